package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestContextSeedsActorAndParams(t *testing.T) {
	wc := NewContext("alice", Params{"total": 150.0})

	if wc.Actor() != "alice" {
		t.Fatalf("actor = %v", wc.Actor())
	}
	if v, ok := wc.Param("total"); !ok || v != 150.0 {
		t.Fatalf("param total = %v, %v", v, ok)
	}
	if v, ok := wc.Get(KeyActor); !ok || v != "alice" {
		t.Fatalf("Get(actor) = %v, %v", v, ok)
	}
	if v, ok := wc.Get("total"); !ok || v != 150.0 {
		t.Fatalf("Get(total) = %v, %v", v, ok)
	}
	if wc.Len() != 0 {
		t.Fatalf("fresh context must hold no step results, got %d", wc.Len())
	}
}

func TestContextNilParams(t *testing.T) {
	wc := NewContext(nil, nil)
	if wc.Params() == nil {
		t.Fatalf("params must never be nil")
	}
	if _, ok := wc.Param("x"); ok {
		t.Fatalf("unexpected param")
	}
}

func TestContextPutIsAppendOnly(t *testing.T) {
	wc := NewContext(nil, nil)

	if err := wc.Put("reserve", 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := wc.Put("reserve", 2); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if v, _ := wc.Result("reserve"); v != 1 {
		t.Fatalf("existing entry was replaced: %v", v)
	}

	for _, key := range []string{KeyActor, KeyParams} {
		if err := wc.Put(key, 1); !errors.Is(err, ErrReservedKey) {
			t.Fatalf("Put(%q): expected ErrReservedKey, got %v", key, err)
		}
	}
}

func TestContextStepResultShadowsParam(t *testing.T) {
	wc := NewContext(nil, Params{"total": 1.0})
	_ = wc.Put("total", 2.0)

	if v, _ := wc.Get("total"); v != 2.0 {
		t.Fatalf("Get(total) = %v, want step result", v)
	}
	if v, _ := wc.Param("total"); v != 1.0 {
		t.Fatalf("Param(total) = %v, want original param", v)
	}
}

func TestContextAsOf(t *testing.T) {
	wc := NewContext(nil, nil)
	_ = wc.Put("a", 1)
	_ = wc.Put("b", 2)

	snap := wc.AsOf(1)
	_ = wc.Put("c", 3)

	if snap.Len() != 1 || !snap.Has("a") || snap.Has("b") || snap.Has("c") {
		t.Fatalf("snapshot keys = %v", snap.Keys())
	}
	if err := snap.Put("d", 4); !errors.Is(err, ErrContextFrozen) {
		t.Fatalf("expected ErrContextFrozen, got %v", err)
	}
	if wc.Has("d") {
		t.Fatalf("write through snapshot leaked into the live context")
	}

	if got := wc.AsOf(-1).Len(); got != 0 {
		t.Fatalf("AsOf(-1).Len() = %d", got)
	}
	if got := wc.AsOf(99).Len(); got != 3 {
		t.Fatalf("AsOf(99).Len() = %d", got)
	}
}

// Run with -race: readers of a snapshot must not touch state the live
// Context keeps writing.
func TestContextSnapshotReadableWhileRunContinues(t *testing.T) {
	wc := NewContext(nil, nil)
	_ = wc.Put("a", 1)
	snap := wc.Snapshot()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if !snap.Has("a") || snap.Has("k10") {
				t.Errorf("snapshot keys = %v", snap.Keys())
				return
			}
			_, _ = snap.Get("k5")
		}
	}()

	for i := 0; i < 100; i++ {
		if err := wc.Put(fmt.Sprintf("k%d", i), i); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	wg.Wait()

	if v, ok := wc.Result("k99"); !ok || v != 99 {
		t.Fatalf("live context lost k99: %v %v", v, ok)
	}
	if v, ok := snap.Result("a"); !ok || v != 1 {
		t.Fatalf("snapshot lost a: %v %v", v, ok)
	}
}

func TestContextKeysKeepExecutionOrder(t *testing.T) {
	wc := NewContext(nil, nil)
	for _, k := range []string{"z", "a", "m"} {
		_ = wc.Put(k, k)
	}

	keys := wc.Keys()
	want := []string{"z", "a", "m"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}
	keys[0] = "mutated"
	if wc.Keys()[0] != "z" {
		t.Fatalf("Keys() must return a copy")
	}
}

func TestContextEnv(t *testing.T) {
	wc := NewContext("bob", Params{"total": 5.0, "reserve": "param"})
	_ = wc.Put("reserve", "step")

	env := wc.Env()
	if env["total"] != 5.0 || env["reserve"] != "step" || env[KeyActor] != "bob" {
		t.Fatalf("unexpected env %v", env)
	}
	if p, ok := env[KeyParams].(map[string]any); !ok || p["reserve"] != "param" {
		t.Fatalf("params missing from env: %v", env[KeyParams])
	}
}

func TestContextValue(t *testing.T) {
	wc := NewContext(nil, Params{"n": 3})
	_ = wc.Put("name", "x")

	if s, ok := Value[string](wc, "name"); !ok || s != "x" {
		t.Fatalf("Value[string] = %q, %v", s, ok)
	}
	if _, ok := Value[string](wc, "n"); ok {
		t.Fatalf("Value[string] on an int must fail")
	}
	if n, ok := Value[int](wc, "n"); !ok || n != 3 {
		t.Fatalf("Value[int] = %d, %v", n, ok)
	}
}

func TestContextMarshalJSON(t *testing.T) {
	wc := NewContext("actor", Params{"p": 1})
	_ = wc.Put("a", "A")

	b, err := json.Marshal(wc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"a":"A"}` {
		t.Fatalf("json = %s", b)
	}

	var nilCtx *Context
	b, _ = nilCtx.MarshalJSON()
	if string(b) != "{}" {
		t.Fatalf("nil context json = %s", b)
	}
}
