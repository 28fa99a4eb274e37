package syncro

import (
	"sync"
	"testing"
)

func TestMapBasic(t *testing.T) {
	m := Map[string, int]{}
	if _, ok := m.Get("a"); ok {
		t.Fatal("empty map returned a value")
	}
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatal("set/get mismatch")
	}
	if err := m.Create("a", 2); err != ErrAlreadyExists {
		t.Fatal("create over existing key must fail")
	}
	if err := m.Create("b", 2); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 || len(m.Keys()) != 2 {
		t.Fatal("wrong size")
	}
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("delete did not remove")
	}
}

func TestMapGetOrCreate(t *testing.T) {
	m := Map[string, int]{}
	v, existed := m.GetOrCreate("x", func() int { return 7 })
	if existed || v != 7 {
		t.Fatal("first GetOrCreate must create")
	}
	v, existed = m.GetOrCreate("x", func() int { return 9 })
	if !existed || v != 7 {
		t.Fatal("second GetOrCreate must return the existing value")
	}
}

func TestMapConcurrent(t *testing.T) {
	m := Map[int, int]{}
	wg := sync.WaitGroup{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i, i*2)
			m.WorkWith(func(mm *map[int]int) {
				(*mm)[i] = (*mm)[i] + 1
			})
		}(i)
	}
	wg.Wait()
	if m.Len() != 100 {
		t.Fatalf("len: %d", m.Len())
	}
	v, _ := m.Get(10)
	if v != 21 {
		t.Fatalf("value: %d", v)
	}
}

func TestVar(t *testing.T) {
	v := NewVar(5)
	if v.Get() != 5 {
		t.Fatal("initial value")
	}
	v.Set(6)
	v.WorkWith(func(x *int) {
		*x++
	})
	got := 0
	v.WorkWithReadOnly(func(x int) {
		got = x
	})
	if got != 7 {
		t.Fatalf("value: %d", got)
	}
}
