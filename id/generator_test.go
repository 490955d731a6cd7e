package id

import (
	"strings"
	"sync"
	"testing"

	"github.com/safsdb/safs/hlc"
)

func frozen() int64 { return 1700000000000 }

func TestHLCGenerator_NextID_Uniqueness(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock("alpha", frozen))

	seen := make(map[string]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if seen[id] {
			t.Fatalf("duplicate ID generated at iteration %d: %s", i, id)
		}
		seen[id] = true
	}
}

func TestHLCGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock("alpha", frozen))

	var prev string
	const iterations = 1000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%s, curr=%s", i, prev, id)
		}
		prev = id
	}
}

func TestHLCGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock("alpha", nil))

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan string, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[string]bool)
	for id := range idsChan {
		if seen[id] {
			t.Fatalf("duplicate ID in concurrent test: %s", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestHLCGenerator_DifferentSites(t *testing.T) {
	gen1 := NewHLCGenerator(hlc.NewClock("alpha", frozen))
	gen2 := NewHLCGenerator(hlc.NewClock("beta", frozen))

	id1 := gen1.NextID()
	id2 := gen2.NextID()

	if id1 == id2 {
		t.Fatalf("IDs from different sites should differ: %s == %s", id1, id2)
	}
	if !strings.HasSuffix(id1, ":alpha") {
		t.Errorf("expected site alpha in id1, got %s", id1)
	}
	if !strings.HasSuffix(id2, ":beta") {
		t.Errorf("expected site beta in id2, got %s", id2)
	}
}

func BenchmarkHLCGenerator_NextID(b *testing.B) {
	gen := NewHLCGenerator(hlc.NewClock("alpha", nil))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		gen.NextID()
	}
}
