package loopguard

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-loopguard/internal/goid"
)

// defaultViolationLogRates bounds violation logging per rule so a hot loop
// repeatedly hitting one guarded function cannot flood the log output.
// Violations themselves are always delivered; only the logging is limited.
var defaultViolationLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 20,
}

// ruleEnv is the logging environment a Guard shares with its rules. The
// logger may be nil (logiface builders are nil-safe no-ops), and so may the
// limiter, in which case every violation is logged.
type ruleEnv struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newRuleEnv(logger *logiface.Logger[logiface.Event], rates map[time.Duration]int) *ruleEnv {
	env := &ruleEnv{logger: logger}
	if len(rates) > 0 {
		env.limiter = catrate.NewLimiter(rates)
	}
	return env
}

// logViolation emits one structured warning per detected violation, rate
// limited per rule name. Callers hold the quiet flag, so writes performed by
// the logger cannot recurse into detection.
func (r *Rule) logViolation(caller CallerIdentity) {
	env := r.env.Load()
	if env == nil || env.logger == nil {
		return
	}
	if env.limiter != nil {
		if _, ok := env.limiter.Allow(r.name); !ok {
			return
		}
	}

	b := env.logger.Warning().
		Str("rule", r.name).
		Uint64("goroutine", goid.ID())
	if d, ok := CurrentDispatcher(); ok && d.Name() != "" {
		b = b.Str("dispatcher", d.Name())
	}
	if caller != (CallerIdentity{}) {
		b = b.Str("caller", caller.Function).
			Str("file", caller.File).
			Int("line", caller.Line)
	}
	b.Log("blocking call inside scheduled context")
}
