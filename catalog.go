package loopguard

import (
	"net"
	"os"
	"reflect"
	"time"
)

// RuleSet constructs a group of related rules. The default sets below guard
// common synchronous stdlib operations; pass sets to [WithDefaultRules] to
// select a subset, or write your own for project-specific targets.
//
// Every default set targets functions or methods that are not reachable
// through a variable, so activating them requires the native patching
// capability; on other platforms activation fails with
// [ErrUnsupportedPlatform].
type RuleSet func() ([]*Rule, error)

// DefaultRuleSets returns the sets registered by [New] when defaults are not
// configured away: [TimeRules], [FileRules], [OSRules], and [NetRules].
func DefaultRuleSets() []RuleSet {
	return []RuleSet{TimeRules, FileRules, OSRules, NetRules}
}

// TimeRules guards time.Sleep.
func TimeRules() ([]*Rule, error) {
	sleep, err := NewRule("time.Sleep", time.Sleep)
	if err != nil {
		return nil, err
	}
	return []*Rule{sleep}, nil
}

// FileRules guards the blocking methods of [os.File]: Read, Write, and Sync.
//
// Write is pre-allowed for os.Stdout and os.Stderr, so ordinary printing and
// log output keep working inside dispatch regions. Read is pre-allowed for
// callers named init, covering package initialization that loads assets
// before any scheduler exists in earnest.
func FileRules() ([]*Rule, error) {
	read, err := NewMethodRule("(*os.File).Read", (*os.File)(nil), "Read")
	if err != nil {
		return nil, err
	}
	read.CanBlockIn("", "init")

	write, err := NewMethodRule("(*os.File).Write", (*os.File)(nil), "Write")
	if err != nil {
		return nil, err
	}
	write.AllowWhen(func(args []reflect.Value) bool {
		f, ok := args[0].Interface().(*os.File)
		return ok && (f == os.Stdout || f == os.Stderr)
	})

	fsync, err := NewMethodRule("(*os.File).Sync", (*os.File)(nil), "Sync")
	if err != nil {
		return nil, err
	}

	return []*Rule{read, write, fsync}, nil
}

// OSRules guards the whole-file convenience helpers os.ReadFile and
// os.WriteFile.
func OSRules() ([]*Rule, error) {
	readFile, err := NewRule("os.ReadFile", os.ReadFile)
	if err != nil {
		return nil, err
	}
	writeFile, err := NewRule("os.WriteFile", os.WriteFile)
	if err != nil {
		return nil, err
	}
	return []*Rule{readFile, writeFile}, nil
}

// NetRules guards connection establishment: net.Dial and net.DialTimeout.
// Established connections are not guarded; net.Conn deadlines already give
// cooperative schedulers a non-blocking way to use them.
func NetRules() ([]*Rule, error) {
	dial, err := NewRule("net.Dial", net.Dial)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := NewRule("net.DialTimeout", net.DialTimeout)
	if err != nil {
		return nil, err
	}
	return []*Rule{dial, dialTimeout}, nil
}
