package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftlab/driftd"
	"github.com/driftlab/driftd/yaml"
)

func writeScript(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "drift.lua", `-- @description Expires when the parent sequence advances
-- @version 1.2
function expired(record, parents)
  return false
end
`)
	writeScript(t, dir, "notes.txt", "not a script")

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	writeScript(t, sub, "announce.lua", `function post(record) end`)

	m := NewManager(dir)
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}

	drift, ok := m.Get("drift")
	if !ok {
		t.Fatal("drift.lua not discovered")
	}
	if drift.Description != "Expires when the parent sequence advances" {
		t.Fatalf("description = %q", drift.Description)
	}
	if drift.Version != "1.2" {
		t.Fatalf("version = %q", drift.Version)
	}

	if _, ok := m.Get("announce"); !ok {
		t.Fatal("nested script not discovered")
	}
	if _, ok := m.Get("notes"); ok {
		t.Fatal("non-lua file discovered")
	}

	names := m.Scripts()
	if len(names) != 2 || names[0].Name != "announce" || names[1].Name != "drift" {
		t.Fatalf("scripts = %v", names)
	}
}

func TestDiscoverMissingDirIsEmpty(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"))
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(m.Scripts()) != 0 {
		t.Fatal("scripts discovered in a missing directory")
	}

	empty := NewManager("")
	if err := empty.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
}

func TestRegisterHooks(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "seqdrift.lua", `
function expired(record, parents)
  return parents.spec.seq > record.seq
end
`)
	writeScript(t, dir, "gate.lua", `
function pre(feature)
  if feature.id == "blocked" then
    return "gated"
  end
end
`)

	m := NewManager(dir)
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}

	reg := driftd.NewHookRegistry()
	m.RegisterHooks(reg)

	// Each script registers only the slots it defines.
	if _, ok := reg.ResolveExpiration("seqdrift"); !ok {
		t.Fatal("seqdrift expiration not registered")
	}
	if _, ok := reg.ResolvePre("seqdrift"); ok {
		t.Fatal("seqdrift registered a pre hook it does not define")
	}
	if _, ok := reg.ResolvePre("gate"); !ok {
		t.Fatal("gate pre not registered")
	}

	fn, _ := reg.ResolveExpiration("seqdrift")
	rec := &driftd.Record{ID: "rabi", Seq: 3, Timestamp: time.Now()}
	expired, err := fn(context.Background(), nil, rec, map[string]*driftd.Record{
		"spec": {ID: "spec", Seq: 7, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if !expired {
		t.Fatal("registered hook lost its verdict")
	}
}

func TestLuaPreHookAbortBlocksComputation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "beamgate.lua", `
function pre(feature)
  if feature.id == "guarded" then
    abort("beam reserved, try later")
  end
end
`)
	m := NewManager(dir)
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
	reg := driftd.NewHookRegistry()
	m.RegisterHooks(reg)

	runs := 0
	graph, err := driftd.Build([]driftd.Declaration{
		{ID: "guarded", Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
			runs++
			return driftd.Computed{Payload: 1}, nil
		}, Hooks: driftd.HookBindings{Pre: "beamgate"}},
		{ID: "open", Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
			return driftd.Computed{Payload: 2}, nil
		}, Hooks: driftd.HookBindings{Pre: "beamgate"}},
	}, reg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r := driftd.NewResolver(graph, driftd.NewMemoryStore())
	ctx := context.Background()

	_, err = r.Resolve(ctx, "guarded")
	var re *driftd.ResolveError
	if !errors.As(err, &re) || re.Kind != driftd.ResolveHookAbort || re.Slot != driftd.SlotPre {
		t.Fatalf("expected pre hook_abort, got %v", err)
	}
	if runs != 0 {
		t.Fatalf("compute ran %d times despite the pre hook refusing", runs)
	}

	// The same hook lets an unguarded feature through.
	if _, err := r.Resolve(ctx, "open"); err != nil {
		t.Fatalf("resolve open: %v", err)
	}
}

func TestLuaExpirationDrivesRecomputation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "wideband.lua", `
function expired(record, parents)
  return record.payload > 0.05
end
`)
	m := NewManager(dir)
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}
	reg := driftd.NewHookRegistry()
	m.RegisterHooks(reg)

	runs := 0
	widths := []float64{0.1, 0.1, 0.02, 0.02}
	graph, err := driftd.Build([]driftd.Declaration{
		{ID: "linewidth", Compute: func(ctx context.Context, parents map[string]*driftd.Record) (driftd.Computed, error) {
			w := widths[runs]
			runs++
			return driftd.Computed{Payload: w}, nil
		}, Hooks: driftd.HookBindings{Expiration: "wideband"}},
	}, reg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	r := driftd.NewResolver(graph, driftd.NewMemoryStore())
	ctx := context.Background()

	// Wide records keep expiring; a narrow one sticks.
	for i := 0; i < 4; i++ {
		if _, err := r.Resolve(ctx, "linewidth"); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if runs != 3 {
		t.Fatalf("computed %d times, want 3", runs)
	}
}

func scriptDef(config map[string]any) *yaml.FeatureDefinition {
	return &yaml.FeatureDefinition{Name: "probe", Type: "script", Config: config}
}

func TestBuilderInlineSource(t *testing.T) {
	b := &Builder{}
	fn, err := b.Build(scriptDef(map[string]any{
		"source": "function measure(parents) return 7 end",
	}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if out.Payload != 7.0 {
		t.Fatalf("payload = %v, want 7", out.Payload)
	}
}

func TestBuilderNamedScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "double.lua", `
function measure(parents)
  return parents.source.payload * 2
end
`)
	m := NewManager(dir)
	if err := m.Discover(); err != nil {
		t.Fatalf("discover: %v", err)
	}

	b := &Builder{Manager: m}
	fn, err := b.Build(scriptDef(map[string]any{"script": "double"}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := fn(context.Background(), map[string]*driftd.Record{
		"source": {ID: "spec", Payload: 3.0, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if out.Payload != 6.0 {
		t.Fatalf("payload = %v, want 6", out.Payload)
	}
}

func TestBuilderRejections(t *testing.T) {
	b := &Builder{}
	if _, err := b.Build(scriptDef(map[string]any{"script": "ghost"})); err == nil {
		t.Fatal("expected error without a scripts directory")
	}
	if _, err := b.Build(scriptDef(map[string]any{"source": "x = 1"})); err == nil {
		t.Fatal("expected error when measure() is missing")
	}

	m := NewManager(t.TempDir())
	if err := m.Discover(); err != nil {
		t.Fatal(err)
	}
	if _, err := (&Builder{Manager: m}).Build(scriptDef(map[string]any{"script": "ghost"})); err == nil {
		t.Fatal("expected error for unknown script")
	}
}
