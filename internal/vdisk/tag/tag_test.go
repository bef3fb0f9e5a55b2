// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tag

import (
	"sync"
	"testing"
)

func TestNextUnique(t *testing.T) {
	Replace(0)

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				v := Next()
				mu.Lock()
				if seen[v] {
					t.Errorf("tag %d handed out twice", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if Current() != 8000 {
		t.Fatalf("current tag %d, want 8000", Current())
	}
}

func TestNextSkipsZero(t *testing.T) {
	Replace(^uint64(0))
	if v := Next(); v != 1 {
		t.Fatalf("wrapped tag %d, want 1", v)
	}
}
