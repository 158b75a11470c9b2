package loopguard

import (
	"fmt"
	"runtime"
	"strings"
)

// CallerIdentity identifies the application code that invoked a guarded
// function: source file path, line, and fully qualified function symbol as
// reported by the runtime (for example "example.com/app/worker.(*Pool).run").
type CallerIdentity struct {
	File     string
	Function string
	Line     int
}

// String implements fmt.Stringer.
func (c CallerIdentity) String() string {
	return fmt.Sprintf("%s (%s:%d)", c.Function, c.File, c.Line)
}

// ownPkgPrefix and ownInternalPrefix identify this module's own frames so the
// caller walk can skip the guard machinery. They are derived at init from a
// marker symbol rather than hard-coded, so forks under other module paths
// keep resolving callers correctly. External test packages have a distinct
// symbol prefix and are never skipped.
var ownPkgPrefix, ownInternalPrefix = func() (string, string) {
	pc, _, _, ok := runtime.Caller(0)
	if !ok {
		return "loopguard.", "loopguard/internal/"
	}
	name := runtime.FuncForPC(pc).Name()
	pkg := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		if j := strings.IndexByte(name[i:], '.'); j >= 0 {
			pkg = name[:i+j]
		}
	} else if j := strings.IndexByte(name, '.'); j >= 0 {
		pkg = name[:j]
	}
	return pkg + ".", pkg + "/internal/"
}()

// callerIdentity resolves the nearest application frame above the guard
// machinery. ok is false when every visible frame belongs to the runtime,
// the reflect package, or this module's wrappers; callers must then treat
// the identity as unknown, and exemptions never match an unknown caller.
func callerIdentity() (CallerIdentity, bool) {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	if n == 0 {
		return CallerIdentity{}, false
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isGuardFrame(frame.Function) {
			return CallerIdentity{
				File:     frame.File,
				Function: frame.Function,
				Line:     frame.Line,
			}, true
		}
		if !more {
			return CallerIdentity{}, false
		}
	}
}

// isGuardFrame reports whether the function symbol can never be an
// application caller: reflection and runtime plumbing, plus this module's
// own wrapper frames.
func isGuardFrame(fn string) bool {
	return strings.HasPrefix(fn, "reflect.") ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, ownPkgPrefix) ||
		strings.HasPrefix(fn, ownInternalPrefix)
}

// callerMatcher is one allowed-caller entry on a rule.
//
// Matching is case-sensitive. fileSuffix matches the frame's file path on a
// path segment boundary; empty matches any file. functions match either the
// fully qualified symbol or its base name; empty matches any function.
type callerMatcher struct {
	fileSuffix string
	functions  map[string]struct{}
}

func newCallerMatcher(fileSuffix string, functions []string) callerMatcher {
	m := callerMatcher{fileSuffix: fileSuffix}
	if len(functions) > 0 {
		m.functions = make(map[string]struct{}, len(functions))
		for _, fn := range functions {
			m.functions[fn] = struct{}{}
		}
	}
	return m
}

func (m callerMatcher) matches(c CallerIdentity) bool {
	if m.fileSuffix != "" && !matchFileSuffix(c.File, m.fileSuffix) {
		return false
	}
	if len(m.functions) == 0 {
		return true
	}
	if _, ok := m.functions[c.Function]; ok {
		return true
	}
	_, ok := m.functions[funcBaseName(c.Function)]
	return ok
}

// matchFileSuffix reports whether path ends in suffix on a path segment
// boundary: "io/file.go" matches "/src/io/file.go" but not "/src/aio/file.go".
func matchFileSuffix(path, suffix string) bool {
	if !strings.HasSuffix(path, suffix) {
		return false
	}
	if len(path) == len(suffix) {
		return true
	}
	return path[len(path)-len(suffix)-1] == '/'
}

// funcBaseName reduces a qualified symbol to its final identifier:
// "pkg/path.(*T).Close" yields "Close". Trailing numeric segments, which the
// compiler appends to init functions and function literals, are stripped so
// "pkg/path.init.0" yields "init".
func funcBaseName(symbol string) string {
	if i := strings.LastIndexByte(symbol, '/'); i >= 0 {
		symbol = symbol[i+1:]
	}
	for {
		i := strings.LastIndexByte(symbol, '.')
		if i < 0 {
			return symbol
		}
		if seg := symbol[i+1:]; !isDecimal(seg) {
			return seg
		}
		symbol = symbol[:i]
	}
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
