package driftd

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestHookRegistryResolvesBySlot(t *testing.T) {
	reg := NewHookRegistry()
	reg.RegisterPre("announce", func(ctx context.Context, f *Feature) error { return nil })
	reg.RegisterPost("archive", func(ctx context.Context, f *Feature, rec *Record) error { return nil })

	if _, ok := reg.ResolvePre("announce"); !ok {
		t.Fatal("pre hook not resolvable")
	}
	if _, ok := reg.ResolvePost("archive"); !ok {
		t.Fatal("post hook not resolvable")
	}

	// Slots are independent namespaces.
	if _, ok := reg.ResolvePost("announce"); ok {
		t.Fatal("pre hook resolvable as post")
	}
	if _, ok := reg.ResolveExpiration("announce"); ok {
		t.Fatal("pre hook resolvable as expiration")
	}
}

func TestResolveExpirationTTL(t *testing.T) {
	reg := NewHookRegistry()

	tests := []struct {
		name string
		ok   bool
	}{
		{"ttl:30s", true},
		{"ttl:12h", true},
		{"ttl:", false},
		{"ttl:soon", false},
		{"ttl:-5m", false},
		{"ttl:0s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := reg.ResolveExpiration(tt.name); ok != tt.ok {
				t.Fatalf("ResolveExpiration(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			}
		})
	}
}

func TestBuiltinPolicies(t *testing.T) {
	ctx := context.Background()
	old := &Record{Timestamp: time.Now().Add(-time.Hour)}

	if expired, _ := AlwaysFresh()(ctx, nil, old, nil); expired {
		t.Fatal("always-fresh judged a record expired")
	}
	if expired, _ := AlwaysStale()(ctx, nil, old, nil); !expired {
		t.Fatal("always-stale judged a record fresh")
	}
	if expired, _ := TimeWindow(time.Minute)(ctx, nil, old, nil); !expired {
		t.Fatal("hour-old record inside a minute window")
	}
	if expired, _ := TimeWindow(2 * time.Hour)(ctx, nil, old, nil); expired {
		t.Fatal("hour-old record outside a two-hour window")
	}
}

func TestAbortWrapping(t *testing.T) {
	cause := fmt.Errorf("beam time")
	err := Abort(cause)
	if !isAbort(err) {
		t.Fatal("Abort not detected")
	}
	if !errors.Is(err, cause) {
		t.Fatal("Abort hides its cause")
	}
	if isAbort(cause) {
		t.Fatal("plain error detected as abort")
	}
	if Abort(nil) != nil {
		t.Fatal("Abort(nil) must be nil")
	}
}
