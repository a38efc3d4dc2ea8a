package vm

import (
	"fmt"
	"sync"
	"testing"
)

func TestObjectRegistryRegister(t *testing.T) {
	e, _, _ := newTestEngine(t)
	or := NewObjectRegistry()
	a := NewScriptObject(e, "a")
	b := NewScriptObject(e, "b")

	or.Register("slot", a)
	if !or.Valid(a) || or.Get("slot") != a {
		t.Fatal("a should be registered under slot")
	}
	if id, ok := or.NativeID(a); !ok || id != "slot" {
		t.Errorf("NativeID = %q, %v", id, ok)
	}

	or.Register("slot", b)
	if or.Valid(a) {
		t.Error("replaced object should no longer be valid")
	}
	if or.ResolveNative("slot") != b || or.Count() != 1 {
		t.Error("slot should resolve to b")
	}

	or.Unregister(b)
	if or.Valid(b) || or.Count() != 0 {
		t.Error("Unregister should remove b")
	}
	if or.Valid(nil) {
		t.Error("nil is never valid")
	}
}

func TestObjectRegistryConcurrentAccess(t *testing.T) {
	e, _, _ := newTestEngine(t)
	or := NewObjectRegistry()
	objs := make([]*ScriptObject, 50)
	for i := range objs {
		objs[i] = NewScriptObject(e, fmt.Sprintf("obj%d", i))
	}

	var wg sync.WaitGroup
	for i, o := range objs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("obj%d", i)
			or.Register(id, o)
			if !or.Valid(o) {
				t.Errorf("%s not valid after Register", id)
			}
		}()
	}
	wg.Wait()

	if or.Count() != len(objs) {
		t.Errorf("Count = %d, want %d", or.Count(), len(objs))
	}
}
