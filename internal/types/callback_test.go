package types_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var (
		m     types.CallbackManager[func() int]
		calls []int
	)
	call := func() {
		calls = calls[:0]
		for fn := range m.All() {
			calls = append(calls, fn())
		}
	}

	rm1 := m.Add(func() int { return 1 })
	m.Add(func() int { return 2 })
	rm3 := m.Add(func() int { return 3 })
	if got, want := m.Len(), 3; got != want {
		t.Fatalf("m.Len() = %v, want %v", got, want)
	}

	call()
	if diff := cmp.Diff(calls, []int{1, 2, 3}); diff != "" {
		t.Fatalf("calls diff (-got +want):\n%v", diff)
	}

	rm1()
	rm1()
	rm3()
	if got, want := m.Len(), 1; got != want {
		t.Fatalf("m.Len() after remove = %v, want %v", got, want)
	}
	call()
	if diff := cmp.Diff(calls, []int{2}); diff != "" {
		t.Fatalf("calls after remove diff (-got +want):\n%v", diff)
	}
}

func TestCallbackManager_ModifyWhileIterating(t *testing.T) {
	t.Parallel()

	var (
		m   types.CallbackManager[func()]
		ran int
	)
	var rm func()
	rm = m.Add(func() {
		ran++
		rm()
		m.Add(func() { ran++ })
	})

	for fn := range m.All() {
		fn()
	}
	if ran != 1 {
		t.Fatalf("ran = %v, want 1", ran)
	}
	if got, want := m.Len(), 1; got != want {
		t.Fatalf("m.Len() = %v, want %v", got, want)
	}

	var nilm *types.CallbackManager[func()]
	if got := nilm.Len(); got != 0 {
		t.Fatalf("nil manager Len() = %v, want 0", got)
	}
	for range nilm.All() {
		t.Fatal("nil manager yielded a callback")
	}
}
