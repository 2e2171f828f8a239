package registry

import (
	"fmt"
	"sync"
	"testing"
)

type testItem struct {
	ID   string
	Name string
}

func TestBaseRegistry_Register(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	if err := r.Register("a", testItem{ID: "1", Name: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.Register("", testItem{}); err == nil {
		t.Error("Register() with empty name should fail")
	}

	if err := r.Register("a", testItem{ID: "2"}); err == nil {
		t.Error("Register() duplicate should fail")
	}

	item, ok := r.Get("a")
	if !ok {
		t.Fatal("Get() item not found")
	}
	if item.ID != "1" {
		t.Errorf("Get() ID = %v, want 1 (duplicate register must not overwrite)", item.ID)
	}
}

func TestBaseRegistry_Set(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	r.Set("a", testItem{ID: "1"})
	r.Set("a", testItem{ID: "2"})

	item, ok := r.Get("a")
	if !ok {
		t.Fatal("Get() item not found")
	}
	if item.ID != "2" {
		t.Errorf("Set() should overwrite, got ID = %v", item.ID)
	}

	r.Set("", testItem{ID: "3"})
	if r.Count() != 1 {
		t.Errorf("Set() with empty name should be ignored, count = %d", r.Count())
	}
}

func TestBaseRegistry_Names(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	r.Set("c", testItem{})
	r.Set("a", testItem{})
	r.Set("b", testItem{})

	names := r.Names()
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("Names() len = %d, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %v, want %v", i, names[i], want[i])
		}
	}
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	r.Set("a", testItem{})

	if err := r.Remove("a"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if err := r.Remove("a"); err == nil {
		t.Error("Remove() missing item should fail")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestBaseRegistry_Concurrency(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("item-%d", i)
			r.Set(name, testItem{ID: name})
			r.Get(name)
			r.List()
		}(i)
	}
	wg.Wait()

	if r.Count() != 50 {
		t.Errorf("Count() = %d, want 50", r.Count())
	}
}
