// Package script hosts Lua extension code: expiration, pre, and post
// hooks, plus whole measurements, written as small sandboxed scripts.
// Scripts are the third-party extensibility surface - policies too
// site-specific for the built-in set live here.
package script

import (
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/driftlab/driftd"
)

// A lua.State is not safe for concurrent use, and hooks fire from many
// resolver goroutines. Every evaluation therefore runs in a fresh
// state seeded from the script source; scripts must be cheap to load.

// abortMarker tags a Lua error raised through abort() so the Go side
// can tell a hard abort from an ordinary script failure.
const abortMarker = "driftd:abort: "

// sandbox loads only safe libraries into a state.
func sandbox(l *lua.State) {
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	lua.Require(l, "table", lua.TableOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)

	// No file, process, or loader access from hook code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "print"} {
		l.PushNil()
		l.SetGlobal(name)
	}

	// abort(msg) is the hard-abort channel for pre and post hooks: a
	// plain string return is advisory and only logged, abort() halts
	// the feature's computation.
	l.Register("abort", func(l *lua.State) int {
		msg, _ := l.ToString(1)
		lua.Errorf(l, "%s%s", abortMarker, msg)
		return 0
	})
}

// abortMessage extracts the abort() message from a script error.
func abortMessage(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	idx := strings.Index(msg, abortMarker)
	if idx < 0 {
		return "", false
	}
	return msg[idx+len(abortMarker):], true
}

// newState loads a script into a fresh sandboxed state.
func newState(source string) (*lua.State, error) {
	l := lua.NewState()
	sandbox(l)
	if err := lua.DoString(l, source); err != nil {
		return nil, fmt.Errorf("load script: %w", err)
	}
	return l, nil
}

// definesFunction reports whether the script declares a global
// function with the given name.
func definesFunction(source, name string) bool {
	l, err := newState(source)
	if err != nil {
		return false
	}
	l.Global(name)
	defined := l.IsFunction(-1)
	l.Pop(1)
	return defined
}

// call invokes a global function with already-pushed arguments and
// leaves nresults on the stack.
func call(l *lua.State, name string, push func(), nargs, nresults int) error {
	l.Global(name)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return fmt.Errorf("script does not define %s()", name)
	}
	push()
	if err := l.ProtectedCall(nargs, nresults, 0); err != nil {
		return fmt.Errorf("%s(): %w", name, err)
	}
	return nil
}

// pushValue converts a Go value to its Lua representation.
func pushValue(l *lua.State, v any) {
	switch val := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(val)
	case int:
		l.PushInteger(val)
	case int64:
		l.PushInteger(int(val))
	case uint64:
		l.PushNumber(float64(val))
	case float64:
		l.PushNumber(val)
	case string:
		l.PushString(val)
	case []any:
		l.NewTable()
		for i, item := range val {
			l.PushInteger(i + 1)
			pushValue(l, item)
			l.SetTable(-3)
		}
	case []string:
		l.NewTable()
		for i, item := range val {
			l.PushInteger(i + 1)
			l.PushString(item)
			l.SetTable(-3)
		}
	case map[string]any:
		l.NewTable()
		for k, item := range val {
			l.PushString(k)
			pushValue(l, item)
			l.SetTable(-3)
		}
	default:
		l.PushString(fmt.Sprintf("%v", val))
	}
}

// pullValue converts the Lua value at idx back to Go.
func pullValue(l *lua.State, idx int) any {
	switch l.TypeOf(idx) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(idx)
	case lua.TypeNumber:
		n, _ := l.ToNumber(idx)
		return n
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s
	case lua.TypeTable:
		return pullTable(l, idx)
	default:
		return nil
	}
}

func pullTable(l *lua.State, idx int) any {
	l.PushValue(idx)

	// A table with contiguous integer keys comes back as a slice,
	// anything else as a map.
	isArray := true
	maxIndex := 0
	l.PushNil()
	for l.Next(-2) {
		if l.TypeOf(-2) != lua.TypeNumber {
			isArray = false
			l.Pop(2)
			break
		}
		n, _ := l.ToNumber(-2)
		if i := int(n); i > maxIndex {
			maxIndex = i
		}
		l.Pop(1)
	}

	if isArray && maxIndex > 0 {
		arr := make([]any, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.PushInteger(i)
			l.Table(-2)
			arr[i-1] = pullValue(l, -1)
			l.Pop(1)
		}
		l.Pop(1)
		return arr
	}

	obj := make(map[string]any)
	l.PushNil()
	for l.Next(-2) {
		key, _ := l.ToString(-2)
		obj[key] = pullValue(l, -1)
		l.Pop(1)
	}
	l.Pop(1)
	return obj
}

// pushRecord exposes a record to Lua as a table.
func pushRecord(l *lua.State, rec *driftd.Record) {
	if rec == nil {
		l.PushNil()
		return
	}
	l.NewTable()
	l.PushString(rec.ID)
	l.SetField(-2, "id")
	pushValue(l, rec.Payload)
	l.SetField(-2, "payload")
	l.PushNumber(float64(rec.Timestamp.UnixNano()) / 1e9)
	l.SetField(-2, "timestamp")
	l.PushNumber(float64(rec.Seq))
	l.SetField(-2, "seq")
	pushValue(l, rec.Meta)
	l.SetField(-2, "meta")
}

// pushFeature exposes a feature to Lua as a table.
func pushFeature(l *lua.State, f *driftd.Feature) {
	l.NewTable()
	l.PushString(f.ID())
	l.SetField(-2, "id")
	l.NewTable()
	for role, pid := range f.Parents() {
		l.PushString(role)
		l.PushString(pid)
		l.SetTable(-3)
	}
	l.SetField(-2, "parents")
}

// pushParents exposes the parent records as a table keyed by role.
func pushParents(l *lua.State, parents map[string]*driftd.Record) {
	l.NewTable()
	for role, rec := range parents {
		l.PushString(role)
		pushRecord(l, rec)
		l.SetTable(-3)
	}
}

// evalExpired runs the script's expired(record, parents) verdict.
func evalExpired(source string, rec *driftd.Record, parents map[string]*driftd.Record) (bool, error) {
	l, err := newState(source)
	if err != nil {
		return false, err
	}
	err = call(l, "expired", func() {
		pushRecord(l, rec)
		pushParents(l, parents)
	}, 2, 1)
	if err != nil {
		return false, err
	}
	return l.ToBoolean(-1), nil
}

// evalNotify runs a side-effect hook: pre(feature) or post(record).
// A string return value is treated as an advisory error message;
// calling abort(msg) escalates to a hard abort that halts the
// feature's computation.
func evalNotify(source, fname string, push func(l *lua.State)) error {
	l, err := newState(source)
	if err != nil {
		return err
	}
	if err := call(l, fname, func() { push(l) }, 1, 1); err != nil {
		if msg, ok := abortMessage(err); ok {
			return driftd.Abort(fmt.Errorf("%s", msg))
		}
		return err
	}
	if l.IsString(-1) {
		msg, _ := l.ToString(-1)
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// evalMeasure runs the script's measure(parents) and returns the
// payload.
func evalMeasure(source string, parents map[string]*driftd.Record) (any, error) {
	l, err := newState(source)
	if err != nil {
		return nil, err
	}
	if err := call(l, "measure", func() { pushParents(l, parents) }, 1, 2); err != nil {
		return nil, err
	}
	// measure may return (payload) or (nil, "error message").
	if l.IsString(-1) && l.IsNil(-2) {
		msg, _ := l.ToString(-1)
		return nil, fmt.Errorf("%s", msg)
	}
	return pullValue(l, -2), nil
}
