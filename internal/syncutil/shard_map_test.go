package syncutil_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ghettovoice/sipcore/internal/syncutil"
)

func TestShardMap_GetOrSet_Concurrent(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int](syncutil.ShardsNum(4))

	var (
		wg     sync.WaitGroup
		stored atomic.Int32
	)
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, loaded := m.GetOrSet("key", i); !loaded {
				stored.Add(1)
			}
		}()
	}
	wg.Wait()

	if got, want := stored.Load(), int32(1); got != want {
		t.Fatalf("stored = %v, want %v", got, want)
	}
	if got, want := m.Size(), 1; got != want {
		t.Fatalf("m.Size() = %v, want %v", got, want)
	}
}

func TestShardMap_Compute(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int]()

	for range 10 {
		m.Compute("cnt", func(cur int, _ bool) (int, bool) { return cur + 1, true })
	}
	if v, ok := m.Get("cnt"); !ok || v != 10 {
		t.Fatalf("m.Get(\"cnt\") = (%v, %v), want (10, true)", v, ok)
	}

	if _, kept := m.Compute("cnt", func(int, bool) (int, bool) { return 0, false }); kept {
		t.Fatal("m.Compute() kept = true, want false")
	}
	if m.Has("cnt") {
		t.Fatal("m.Has(\"cnt\") = true, want false")
	}
}

func TestShardMap_DelIf(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, *int]()
	a, b := new(int), new(int)
	m.Set("k", a)

	if m.DelIf("k", func(v *int) bool { return v == b }) {
		t.Fatal("m.DelIf(b) = true, want false")
	}
	if !m.DelIf("k", func(v *int) bool { return v == a }) {
		t.Fatal("m.DelIf(a) = false, want true")
	}
	if m.DelIf("k", func(*int) bool { return true }) {
		t.Fatal("m.DelIf() on missing key = true, want false")
	}
}

func TestShardMap_Items(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int]()
	for i := range 100 {
		m.Set(fmt.Sprint(i), i)
	}

	sum := 0
	for _, v := range m.Items() {
		sum += v
	}
	if got, want := sum, 4950; got != want {
		t.Fatalf("sum = %v, want %v", got, want)
	}

	m.Clear()
	if got := m.Size(); got != 0 {
		t.Fatalf("m.Size() = %v, want 0", got)
	}
}
