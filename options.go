package loopguard

import (
	"time"

	"github.com/joeycumines/logiface"
)

// Option configures a [Guard] instance. Options are applied in order during
// [New] construction; nil options are ignored.
type Option func(*guardOptions)

type guardOptions struct {
	logger      *logiface.Logger[logiface.Event]
	ruleSets    []RuleSet
	rules       []*Rule
	logRates    map[time.Duration]int
	logRatesSet bool
	noDefaults  bool
}

func resolveOptions(opts []Option) *guardOptions {
	cfg := &guardOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg
}

// WithLogger attaches a structured logger to the guard. Lifecycle transitions
// are logged at debug level and violations at warning level. Without a logger
// the guard is silent; violations are still delivered as [BlockingError]
// panics either way.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(cfg *guardOptions) {
		cfg.logger = logger
	}
}

// WithDefaultRules replaces the default rule selection with the given sets.
// Without this option [New] registers [DefaultRuleSets].
func WithDefaultRules(sets ...RuleSet) Option {
	return func(cfg *guardOptions) {
		cfg.ruleSets = append(cfg.ruleSets, sets...)
	}
}

// WithoutDefaultRules constructs the guard with no default rules. Combine
// with [WithRules] or later [Guard.Register] calls to guard a custom set.
func WithoutDefaultRules() Option {
	return func(cfg *guardOptions) {
		cfg.noDefaults = true
	}
}

// WithRules registers additional rules during construction, after any
// default sets.
func WithRules(rules ...*Rule) Option {
	return func(cfg *guardOptions) {
		cfg.rules = append(cfg.rules, rules...)
	}
}

// WithViolationLogLimit replaces the default violation log rate limit of
// 5 per second and 20 per minute per rule. A nil or empty map removes the
// limit so every violation is logged. The limit only affects logging;
// violations are always delivered.
func WithViolationLogLimit(rates map[time.Duration]int) Option {
	return func(cfg *guardOptions) {
		cfg.logRates = rates
		cfg.logRatesSet = true
	}
}
