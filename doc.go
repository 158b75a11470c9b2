// Package loopguard detects blocking calls made on goroutines that are
// actively dispatching for a cooperative scheduler, and prevents them:
// a guarded function called from inside a dispatch region panics with
// [*BlockingError] instead of running, unless the call site is explicitly
// exempted.
//
// # Detection
//
// Schedulers mark the region in which application tasks execute through a
// [Dispatcher]: [Dispatcher.Begin] marks the calling goroutine as inside an
// active dispatch and the returned function ends the region. Detection is
// per goroutine; activity on one goroutine never affects calls made from
// another, and the scheduler's own bookkeeping between tasks is never
// flagged. The bundled sched subpackage is a ready-made single-goroutine
// task loop wired to a Dispatcher.
//
// # Rules and targets
//
// A [Rule] guards one function under a stable qualified name. Two target
// kinds are supported:
//
//   - Pointers to function variables (for example &pkg.OpenFn) are guarded
//     by swapping the variable for a substitute built with reflect.MakeFunc.
//     This works on every platform and restores the exact original value on
//     deactivation.
//   - Function values (time.Sleep) and methods of concrete types
//     ((*os.File).Read, via [NewMethodRule]) are guarded by rewriting the
//     target's code entry. This requires the native patching capability
//     (amd64 or arm64, with writable text pages); elsewhere activation fails
//     with [ErrUnsupportedPlatform] rather than degrading silently.
//
// While a rule is active, each call to its target is decided in order:
// inactive or outside a dispatch region delegates to the original; a caller
// matching a [Rule.CanBlockIn] exemption delegates; an argument predicate
// ([Rule.AllowWhen]) accepting the call delegates; otherwise the call panics
// with [*BlockingError] and the original never runs. Results and errors of
// permitted calls pass through unchanged.
//
// # Guards
//
// A [Guard] owns a registry of rules and drives their lifecycle as a unit.
// [New] registers the default catalogue ([DefaultRuleSets]) unless
// configured otherwise; [Guard.Activate] and [Guard.Deactivate] are
// idempotent, and [With] scopes activation to a function call, deactivating
// on every exit path. Caller exemptions can also be loaded from YAML
// policy files ([ParsePolicy], [Guard.ApplyPolicy]).
//
// # Usage
//
//	func TestMain(m *testing.M) {
//		err := loopguard.With(func(*loopguard.Guard) error {
//			if m.Run() != 0 {
//				return errors.New("tests failed")
//			}
//			return nil
//		})
//		if err != nil {
//			log.Fatal(err)
//		}
//	}
//
// with the scheduler side marking dispatch:
//
//	end := dispatcher.Begin()
//	task()
//	end()
//
// # Errors
//
//   - [BlockingError]: a disallowed blocking call was prevented; carries the
//     qualified name and resolved caller identity.
//   - [ConfigError]: invalid registration or activation, wrapping a reason
//     such as [ErrAlreadyRegistered], [ErrTargetConflict],
//     [ErrInvalidTarget], or [ErrUnsupportedPlatform].
//
// There is no retry logic anywhere: every failure is either prevented and
// reported, or a setup mistake surfaced to the caller.
package loopguard
