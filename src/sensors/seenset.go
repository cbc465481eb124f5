package sensors

import (
	"log"
	"sync"

	"github.com/stake-plus/gosling/src/state"
)

const seenSetVersion = 1

type seenSetRecord struct {
	Version int      `json:"version"`
	IDs     []string `json:"ids"`
}

// SeenSet is a bounded, insertion-ordered set of item identifiers a sensor
// has already emitted. It is persisted so dedup survives restarts; when over
// capacity the oldest entries are evicted first.
type SeenSet struct {
	mu       sync.Mutex
	path     string
	capacity int
	ids      []string
	index    map[string]struct{}
}

// LoadSeenSet reads the persisted set at path, falling back to empty on a
// missing, corrupt, or unrecognized-version file.
func LoadSeenSet(path string, capacity int) *SeenSet {
	s := &SeenSet{
		path:     path,
		capacity: capacity,
		index:    make(map[string]struct{}),
	}

	var rec seenSetRecord
	if state.Load(path, seenSetVersion, &rec) {
		for _, id := range rec.IDs {
			if _, dup := s.index[id]; dup {
				continue
			}
			s.ids = append(s.ids, id)
			s.index[id] = struct{}{}
		}
		s.trim()
	}
	return s
}

func (s *SeenSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// AddIfNew records the identifier and persists the set. It returns true when
// the identifier was not already present.
func (s *SeenSet) AddIfNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[id]; ok {
		return false
	}
	s.ids = append(s.ids, id)
	s.index[id] = struct{}{}
	s.trim()
	s.save()
	return true
}

// AddAll records every identifier in one shot, persisting at most once.
func (s *SeenSet) AddAll(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			continue
		}
		s.ids = append(s.ids, id)
		s.index[id] = struct{}{}
		changed = true
	}
	if changed {
		s.trim()
		s.save()
	}
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// trim evicts oldest entries beyond capacity. Caller holds s.mu.
func (s *SeenSet) trim() {
	if s.capacity <= 0 {
		return
	}
	for len(s.ids) > s.capacity {
		old := s.ids[0]
		s.ids = s.ids[1:]
		delete(s.index, old)
	}
}

// save persists wholesale. Caller holds s.mu.
func (s *SeenSet) save() {
	if err := state.Save(s.path, seenSetRecord{Version: seenSetVersion, IDs: s.ids}); err != nil {
		log.Printf("sensors: persist seen set %s: %v", s.path, err)
	}
}
