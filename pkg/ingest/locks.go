package ingest

import (
	"context"
	"hash/fnv"
	"sort"
)

// stripeLocks serializes writers that touch the same parent element.
//
// Names hash onto a fixed number of stripes. A writer locks the stripes of
// every distinct name in its sequence in ascending stripe order, so two
// writers can never wait on each other in a cycle. Unrelated sequences whose
// names land on disjoint stripes proceed in parallel.
type stripeLocks struct {
	stripes []chan struct{}
}

func newStripeLocks(n int) *stripeLocks {
	if n <= 0 {
		n = 1
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &stripeLocks{stripes: stripes}
}

func (s *stripeLocks) stripe(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(s.stripes)))
}

// lock acquires the stripes covering names and returns the function that
// releases them. Waiting honours ctx; on cancellation nothing stays held.
func (s *stripeLocks) lock(ctx context.Context, names []string) (func(), error) {
	seen := make(map[int]struct{}, len(names))
	order := make([]int, 0, len(names))
	for _, name := range names {
		idx := s.stripe(name)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		order = append(order, idx)
	}
	sort.Ints(order)

	held := 0
	unlock := func() {
		for i := held - 1; i >= 0; i-- {
			<-s.stripes[order[i]]
		}
	}
	for _, idx := range order {
		select {
		case s.stripes[idx] <- struct{}{}:
			held++
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		}
	}
	return unlock, nil
}
