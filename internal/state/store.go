package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	ErrExists    = errors.New("instance_exists")
	ErrNotFound  = errors.New("instance_not_found")
	ErrPortTaken = errors.New("port_taken")
)

// Store is the durable instance repository. Records are keyed by
// (owner, kind) and persisted atomically on every mutation.
type Store struct {
	path string
	mu   sync.RWMutex
	snap Snapshot
}

func New(path string) (*Store, error) {
	s := &Store{
		path: path,
		snap: Snapshot{
			Instances:   map[string]Instance{},
			Definitions: map[string]Definition{},
			UpdatedAt:   time.Now().UTC(),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func key(owner string, kind Kind) string {
	return owner + "/" + string(kind)
}

func (s *Store) GetByOwnerKind(owner string, kind Kind) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.snap.Instances[key(owner, kind)]
	return inst, ok
}

// Create inserts a new record. The (owner, kind) uniqueness and live-port
// uniqueness invariants are checked and the insert applied in one critical
// section; on failure nothing is written.
func (s *Store) Create(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(inst.OwnerID, inst.Kind)
	if _, ok := s.snap.Instances[k]; ok {
		return ErrExists
	}
	for _, other := range s.snap.Instances {
		if other.Port == inst.Port {
			return fmt.Errorf("%w: %d held by %s", ErrPortTaken, inst.Port, other.OwnerID)
		}
	}
	s.snap.Instances[k] = inst
	s.snap.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// Update replaces an existing record. Owner, kind and port may not change.
func (s *Store) Update(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(inst.OwnerID, inst.Kind)
	if _, ok := s.snap.Instances[k]; !ok {
		return ErrNotFound
	}
	s.snap.Instances[k] = inst
	s.snap.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// RemoveByOwnerKind deletes the record if present. Removing an absent
// record is a no-op, reported through the returned flag.
func (s *Store) RemoveByOwnerKind(owner string, kind Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(owner, kind)
	if _, ok := s.snap.Instances[k]; !ok {
		return false, nil
	}
	delete(s.snap.Instances, k)
	s.snap.UpdatedAt = time.Now().UTC()
	return true, s.persistLocked()
}

// Alive means now - StartTime <= timeout; strictly past the timeout is
// expired. The boundary belongs to the alive side everywhere.
func alive(inst Instance, now time.Time, timeout time.Duration) bool {
	return now.Sub(inst.StartTime) <= timeout
}

func (s *Store) ListAll() []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, 0, len(s.snap.Instances))
	for _, inst := range s.snap.Instances {
		out = append(out, inst)
	}
	sortByStart(out)
	return out
}

func (s *Store) ListAlive(timeout time.Duration) []Instance {
	return s.listFiltered(timeout, true)
}

func (s *Store) ListExpired(timeout time.Duration) []Instance {
	return s.listFiltered(timeout, false)
}

func (s *Store) listFiltered(timeout time.Duration, wantAlive bool) []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	out := []Instance{}
	for _, inst := range s.snap.Instances {
		if alive(inst, now, timeout) == wantAlive {
			out = append(out, inst)
		}
	}
	sortByStart(out)
	return out
}

func (s *Store) CountAlive(timeout time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	n := 0
	for _, inst := range s.snap.Instances {
		if alive(inst, now, timeout) {
			n++
		}
	}
	return n
}

// Page returns a slice of the alive set ordered by start time.
func (s *Store) Page(timeout time.Duration, offset, limit int) []Instance {
	all := s.ListAlive(timeout)
	if offset >= len(all) || offset < 0 || limit <= 0 {
		return []Instance{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// GetDefinition looks up a materialized definition by its key.
func (s *Store) GetDefinition(defKey string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.snap.Definitions[defKey]
	return d, ok
}

// PutDefinition stores a definition if absent and returns the stored copy,
// so concurrent materializations of the same target converge on one record.
func (s *Store) PutDefinition(d Definition) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.snap.Definitions[d.Key]; ok {
		return existing, nil
	}
	s.snap.Definitions[d.Key] = d
	s.snap.UpdatedAt = time.Now().UTC()
	return d, s.persistLocked()
}

func sortByStart(items []Instance) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].ID < items[j].ID
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})
}

func (s *Store) load() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}
	if snap.Instances == nil {
		snap.Instances = map[string]Instance{}
	}
	if snap.Definitions == nil {
		snap.Definitions = map[string]Definition{}
	}
	s.snap = snap
	return nil
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
