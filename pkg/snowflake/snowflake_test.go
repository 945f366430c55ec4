package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestGenerateUnique(t *testing.T) {
	g, err := NewGenerator(7)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	seen := make(map[int64]bool)
	for i := 0; i < 10000; i++ {
		id := g.MustGenerate()
		if seen[id] {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestGenerateMonotonic(t *testing.T) {
	g, _ := NewGenerator(1)
	prev := g.MustGenerate()
	for i := 0; i < 5000; i++ {
		id := g.MustGenerate()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestGenerateConcurrent(t *testing.T) {
	g, _ := NewGenerator(2)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := g.MustGenerate()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestInvalidWorkerID(t *testing.T) {
	for _, id := range []int64{-1, 1024} {
		if _, err := NewGenerator(id); err != ErrInvalidWorkerID {
			t.Fatalf("NewGenerator(%d): want ErrInvalidWorkerID, got %v", id, err)
		}
	}
}

func TestTimestampRecovery(t *testing.T) {
	g, _ := NewGenerator(0)
	before := time.Now().Add(-time.Second)
	id := g.MustGenerate()
	after := time.Now().Add(time.Second)

	ts := Timestamp(id)
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("recovered timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestGeneratorFromString(t *testing.T) {
	a := NewGeneratorFromString("host-1234")
	b := NewGeneratorFromString("host-1234")
	if a.workerID != b.workerID {
		t.Fatal("same worker name must map to same worker id")
	}
	if a.workerID < 0 || a.workerID > maxWorkerID {
		t.Fatalf("derived worker id %d out of range", a.workerID)
	}
}
