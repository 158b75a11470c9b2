package loopguard

import (
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Guard owns a set of rules keyed by qualified name and drives their
// lifecycle as a unit. Independent guards may coexist in one process, each
// owning its own rules; they only interact if two of them target the same
// function, in which case the second activation fails with
// [ErrTargetConflict].
//
// The intended usage is a single owning goroutine (typically test setup and
// teardown) serializing Activate and Deactivate. Rule evaluation itself is
// safe from any goroutine.
type Guard struct {
	rules map[string]*Rule
	env   *ruleEnv
	mu    sync.Mutex
}

// New creates a Guard. Unless configured otherwise it registers every set in
// [DefaultRuleSets]; rules start inactive until [Guard.Activate].
func New(opts ...Option) (*Guard, error) {
	cfg := resolveOptions(opts)

	rates := defaultViolationLogRates
	if cfg.logRatesSet {
		rates = cfg.logRates
	}

	g := &Guard{
		rules: make(map[string]*Rule),
		env:   newRuleEnv(cfg.logger, rates),
	}

	sets := cfg.ruleSets
	if sets == nil && !cfg.noDefaults {
		sets = DefaultRuleSets()
	}
	for _, set := range sets {
		if set == nil {
			continue
		}
		rules, err := set()
		if err != nil {
			return nil, err
		}
		for _, r := range rules {
			if err := g.Register(r); err != nil {
				return nil, err
			}
		}
	}
	for _, r := range cfg.rules {
		if err := g.Register(r); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Register adds a rule to the guard. It fails with [ErrAlreadyRegistered] if
// the qualified name is taken and with [ErrRuleBound] if the rule already
// belongs to another guard.
//
// Rules registered after [Guard.Activate] are not activated implicitly; call
// [Rule.Activate] on the new rule, or [Guard.Activate] again.
func (g *Guard) Register(r *Rule) error {
	if r == nil {
		return &ConfigError{Cause: ErrInvalidTarget}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rules[r.name]; ok {
		return &ConfigError{Name: r.name, Cause: ErrAlreadyRegistered}
	}
	if !r.bind(g.env) && r.env.Load() != g.env {
		return &ConfigError{Name: r.name, Cause: ErrRuleBound}
	}
	g.rules[r.name] = r

	g.env.logger.Debug().Str("rule", r.name).Log("rule registered")
	return nil
}

// Rule returns the registered rule with the given qualified name, or nil.
func (g *Guard) Rule(name string) *Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rules[name]
}

// Rules returns a snapshot of the registry. Mutating the returned map does
// not affect the guard; the rules themselves are live.
func (g *Guard) Rules() map[string]*Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.rules)
}

// Names returns the qualified names of all registered rules, sorted.
func (g *Guard) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.namesLocked()
}

func (g *Guard) namesLocked() []string {
	names := maps.Keys(g.rules)
	slices.Sort(names)
	return names
}

// Activate installs the guarded substitute for every registered rule, in
// name order. It fails fast: on the first install error the rules activated
// so far stay active, so the caller can inspect per-rule state and retry or
// deactivate. Activate is idempotent.
func (g *Guard) Activate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range g.namesLocked() {
		if err := g.rules[name].Activate(); err != nil {
			return err
		}
	}

	g.env.logger.Debug().Int("rules", len(g.rules)).Log("guard activated")
	return nil
}

// Deactivate restores the original function for every registered rule. It is
// best-effort: every rule is attempted and failures are aggregated into the
// returned error. Deactivate is idempotent, and allowed-caller configuration
// survives for later reactivation.
func (g *Guard) Deactivate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	for _, name := range g.namesLocked() {
		err = multierr.Append(err, g.rules[name].Deactivate())
	}
	if err != nil {
		return err
	}

	g.env.logger.Debug().Int("rules", len(g.rules)).Log("guard deactivated")
	return nil
}

// With constructs a guard, activates it, runs fn, and deactivates on every
// exit path, including a panic out of fn (the panic resumes after the
// originals are restored). Deactivation errors are aggregated with fn's
// result.
func With(fn func(*Guard) error, opts ...Option) (err error) {
	g, err := New(opts...)
	if err != nil {
		return err
	}
	if err = g.Activate(); err != nil {
		return multierr.Append(err, g.Deactivate())
	}
	defer func() {
		err = multierr.Append(err, g.Deactivate())
	}()
	return fn(g)
}
