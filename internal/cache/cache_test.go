package cache

import (
	"errors"
	"sync"
	"testing"
)

func TestGetSet(t *testing.T) {
	c := New[string, int](4)
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("Get(b) found a missing key")
	}
	c.Set("a", 2)
	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("Get(a) after overwrite = %d, want 2", v)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, int](3)
	for i := range 3 {
		c.Set(i, i)
	}
	c.Get(0) // 1 is now the oldest
	c.Set(3, 3)

	if _, ok := c.Get(1); ok {
		t.Error("key 1 survived eviction")
	}
	for _, k := range []int{0, 2, 3} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("key %d was evicted", k)
		}
	}
	if s := c.Stats(); s.Evictions != 1 || s.Len != 3 {
		t.Errorf("Stats() = %+v, want 1 eviction and 3 entries", s)
	}
}

func TestUnlimited(t *testing.T) {
	c := New[int, int](0)
	for i := range 1000 {
		c.Set(i, i)
	}
	if n := c.Len(); n != 1000 {
		t.Errorf("Len() = %d, want 1000", n)
	}
}

func TestGetOrCreate(t *testing.T) {
	c := New[string, int](4)
	calls := 0
	create := func() (int, error) {
		calls++
		return 7, nil
	}
	for range 3 {
		v, err := c.GetOrCreate("k", create)
		if err != nil || v != 7 {
			t.Fatalf("GetOrCreate() = %d, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
	if s := c.Stats(); s.Hits != 2 || s.Misses != 1 {
		t.Errorf("Stats() = %+v, want 2 hits and 1 miss", s)
	}
}

func TestGetOrCreateError(t *testing.T) {
	c := New[string, int](4)
	boom := errors.New("boom")
	if _, err := c.GetOrCreate("k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("GetOrCreate() error = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Error("failed create was cached")
	}
}

func TestDelete(t *testing.T) {
	c := New[string, int](4)
	c.Set("a", 1)
	c.Set("b", 2)
	if !c.Delete("a") {
		t.Error("Delete(a) = false")
	}
	if c.Delete("a") {
		t.Error("second Delete(a) = true")
	}
	c.Set("c", 3)
	c.Set("d", 4)
	c.Set("e", 5)
	c.Set("f", 6)
	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction after a was deleted")
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	c := New[int, int](16)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		calls int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrCreate(1, func() (int, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return 1, nil
			})
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}
