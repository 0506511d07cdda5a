package queue

import (
	"sync"
	"testing"
	"time"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID   int
	Name string
}

func TestQueue_New(t *testing.T) {
	q := New[testItem]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestQueue_Push(t *testing.T) {
	q := New[testItem]()

	q.Push(testItem{ID: 1, Name: "first"})
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}

	q.Push(testItem{ID: 2}, testItem{ID: 3})
	if q.Len() != 3 {
		t.Errorf("expected length 3, got %d", q.Len())
	}
}

func TestQueue_Pop(t *testing.T) {
	q := New[testItem]()

	if _, ok := q.Pop(); ok {
		t.Error("expected pop from empty queue to fail")
	}

	q.Push(testItem{ID: 1, Name: "first"}, testItem{ID: 2, Name: "second"})
	first, ok := q.Pop()
	if !ok || first.ID != 1 || first.Name != "first" {
		t.Errorf("expected {1, first}, got %+v", first)
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}
}

func TestQueue_PopN(t *testing.T) {
	q := New[int]()
	q.Push(1, 2, 3, 4, 5)

	batch := q.PopN(3)
	if len(batch) != 3 || batch[0] != 1 || batch[2] != 3 {
		t.Errorf("unexpected batch %v", batch)
	}
	rest := q.PopN(10)
	if len(rest) != 2 || rest[1] != 5 {
		t.Errorf("unexpected rest %v", rest)
	}
	if q.PopN(1) != nil {
		t.Error("expected nil from empty queue")
	}
}

func TestQueue_CompactKeepsOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 1000; i++ {
		q.Push(i)
	}
	for i := 0; i < 900; i++ {
		if v, _ := q.Pop(); v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}
	q.Push(1000)
	all := q.GetAndEmpty()
	if len(all) != 101 || all[0] != 900 || all[100] != 1000 {
		t.Errorf("unexpected tail %d items, first %d", len(all), all[0])
	}
}

func TestQueue_Ready(t *testing.T) {
	q := New[int]()

	select {
	case <-q.Ready():
		t.Fatal("ready before push")
	default:
	}

	q.Push(1)
	q.Push(2)
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
	if q.Len() != 2 {
		t.Errorf("expected both items, got %d", q.Len())
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2})
	q.Pop()

	q.Clear()
	if !q.Empty() {
		t.Error("expected empty queue after clear")
	}
}

func TestQueue_GetAndEmpty(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})
	q.Pop()

	items := q.GetAndEmpty()
	if len(items) != 2 || items[0].ID != 2 {
		t.Errorf("unexpected items %+v", items)
	}
	if !q.Empty() {
		t.Error("expected empty queue after GetAndEmpty")
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(base*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Errorf("expected 1000 items, got %d", q.Len())
	}

	var popped sync.Map
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop()
				if !ok {
					return
				}
				popped.Store(v, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	popped.Range(func(_, _ any) bool { count++; return true })
	if count != 1000 {
		t.Errorf("expected 1000 distinct items, got %d", count)
	}
}
