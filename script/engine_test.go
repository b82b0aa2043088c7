package script

import (
	"strings"
	"testing"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/driftlab/driftd"
)

func record(id string, payload any, ts time.Time, seq uint64) *driftd.Record {
	return &driftd.Record{ID: id, Payload: payload, Timestamp: ts, Seq: seq}
}

func TestEvalMeasure(t *testing.T) {
	const src = `
function measure(parents)
  return parents.spec.payload * 2
end
`
	parents := map[string]*driftd.Record{
		"spec": record("spec", 12.5, time.Now(), 1),
	}
	payload, err := evalMeasure(src, parents)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if payload != 25.0 {
		t.Fatalf("payload = %v, want 25", payload)
	}
}

func TestEvalMeasureTableResult(t *testing.T) {
	const src = `
function measure(parents)
  return {frequency = 6.834, points = {1, 2, 3}}
end
`
	payload, err := evalMeasure(src, nil)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	m, ok := payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %#v, want map", payload)
	}
	if m["frequency"] != 6.834 {
		t.Fatalf("frequency = %v", m["frequency"])
	}
	points, ok := m["points"].([]any)
	if !ok || len(points) != 3 || points[0] != 1.0 {
		t.Fatalf("points = %#v", m["points"])
	}
}

func TestEvalMeasureError(t *testing.T) {
	const src = `
function measure(parents)
  return nil, "laser unlocked"
end
`
	_, err := evalMeasure(src, nil)
	if err == nil || !strings.Contains(err.Error(), "laser unlocked") {
		t.Fatalf("error = %v, want laser unlocked", err)
	}
}

func TestEvalExpired(t *testing.T) {
	const src = `
function expired(record, parents)
  return parents.spec.seq > record.seq
end
`
	base := time.Now()
	rec := record("rabi", 3.1, base, 5)

	expired, err := evalExpired(src, rec, map[string]*driftd.Record{
		"spec": record("spec", 12.5, base, 9),
	})
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if !expired {
		t.Fatal("newer parent not judged expired")
	}

	expired, err = evalExpired(src, rec, map[string]*driftd.Record{
		"spec": record("spec", 12.5, base, 2),
	})
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if expired {
		t.Fatal("older parent judged expired")
	}
}

func TestEvalExpiredSeesPayload(t *testing.T) {
	const src = `
function expired(record, parents)
  return record.payload.width > 0.05
end
`
	rec := record("spec", map[string]any{"width": 0.1}, time.Now(), 1)
	expired, err := evalExpired(src, rec, nil)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if !expired {
		t.Fatal("wide fit not judged expired")
	}
}

func TestEvalNotify(t *testing.T) {
	const src = `
function post(record)
  if record.payload > 100 then
    return "payload out of range"
  end
end
`
	err := evalNotify(src, "post", func(l *lua.State) {
		pushRecord(l, record("spec", 12.5, time.Now(), 1))
	})
	if err != nil {
		t.Fatalf("in-range payload rejected: %v", err)
	}

	err = evalNotify(src, "post", func(l *lua.State) {
		pushRecord(l, record("spec", 250.0, time.Now(), 2))
	})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("error = %v, want out of range", err)
	}
}

func TestEvalNotifyAbort(t *testing.T) {
	const src = `
function pre(feature)
  abort("beam reserved, try later")
end
`
	err := evalNotify(src, "pre", func(l *lua.State) { l.NewTable() })
	if err == nil {
		t.Fatal("abort() did not surface an error")
	}
	if !strings.Contains(err.Error(), "beam reserved, try later") {
		t.Fatalf("error = %v, want the abort message", err)
	}
	if strings.Contains(err.Error(), abortMarker) {
		t.Fatalf("error = %v, marker leaked to the caller", err)
	}
}

func TestSandboxBlocksUnsafeGlobals(t *testing.T) {
	for _, src := range []string{
		`function measure(p) return dofile("/etc/passwd") end`,
		`function measure(p) return require("os") end`,
		`function measure(p) return load("return 1")() end`,
	} {
		if _, err := evalMeasure(src, nil); err == nil {
			t.Fatalf("sandbox allowed: %s", src)
		}
	}
}

func TestDefinesFunction(t *testing.T) {
	const src = `
local helper = 1
function expired(record, parents)
  return false
end
`
	if !definesFunction(src, "expired") {
		t.Fatal("expired not detected")
	}
	if definesFunction(src, "measure") {
		t.Fatal("measure falsely detected")
	}
	if definesFunction("this is not lua", "expired") {
		t.Fatal("broken script reported a function")
	}
}

func TestBrokenScriptFailsEval(t *testing.T) {
	if _, err := evalMeasure("this is not lua", nil); err == nil {
		t.Fatal("expected load error")
	}
	if _, err := evalMeasure("x = 1", nil); err == nil {
		t.Fatal("expected missing measure() error")
	}
}
