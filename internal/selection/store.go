// Package selection persists which of an identity's profiles is active on this client.
// The pointer is advisory: it is revalidated against the live profile list on every resolution.
package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

type Source string

const (
	// SourceDefault marks a selection made by the resolver (first profile by creation order).
	SourceDefault Source = "default"
	// SourceUser marks an explicit switch. It always wins over a resolver default.
	SourceUser Source = "user"
)

// Selection is the active profile pointer for one identity.
type Selection struct {
	ProfileID string    `json:"profile_id"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes active profile selections.
type Store interface {
	// Get returns the selection for identity, if any.
	Get(identity identitydomain.Identity) (Selection, bool)
	// SetDefault stores profileID as a resolver default only if the current profile id still
	// equals expected ("" meaning no selection). It returns false when an explicit switch
	// happened in between.
	SetDefault(identity identitydomain.Identity, profileID, expected string) (bool, error)
	// SetExplicit stores profileID as the user's choice unconditionally.
	SetExplicit(identity identitydomain.Identity, profileID string) error
	// Clear removes the selection for identity.
	Clear(identity identitydomain.Identity) error
}

// MemoryStore is a Store that does not survive restarts. FileStore embeds it.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[identitydomain.Identity]Selection
	nowF func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[identitydomain.Identity]Selection),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(identity identitydomain.Identity) (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.m[identity]
	return sel, ok
}

func (s *MemoryStore) SetDefault(identity identitydomain.Identity, profileID, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setDefaultLocked(identity, profileID, expected), nil
}

func (s *MemoryStore) setDefaultLocked(identity identitydomain.Identity, profileID, expected string) bool {
	if s.m[identity].ProfileID != expected {
		return false
	}
	s.m[identity] = Selection{ProfileID: profileID, Source: SourceDefault, UpdatedAt: s.nowF()}
	return true
}

func (s *MemoryStore) SetExplicit(identity identitydomain.Identity, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[identity] = Selection{ProfileID: profileID, Source: SourceUser, UpdatedAt: s.nowF()}
	return nil
}

func (s *MemoryStore) Clear(identity identitydomain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, identity)
	return nil
}

// FileStore is a MemoryStore written through to a JSON file after every change.
type FileStore struct {
	MemoryStore
	path string
}

// OpenFileStore loads path if it exists. A missing file starts empty; a corrupt file is an error.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("selection: file path is required")
	}
	fs := &FileStore{path: path}
	fs.m = make(map[identitydomain.Identity]Selection)
	fs.nowF = func() time.Time { return time.Now().UTC() }
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selection: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.m); err != nil {
		return nil, fmt.Errorf("selection: decode %s: %w", path, err)
	}
	return fs, nil
}

func (s *FileStore) SetDefault(identity identitydomain.Identity, profileID, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.setDefaultLocked(identity, profileID, expected) {
		return false, nil
	}
	return true, s.flushLocked()
}

func (s *FileStore) SetExplicit(identity identitydomain.Identity, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[identity] = Selection{ProfileID: profileID, Source: SourceUser, UpdatedAt: s.nowF()}
	return s.flushLocked()
}

func (s *FileStore) Clear(identity identitydomain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[identity]; !ok {
		return nil
	}
	delete(s.m, identity)
	return s.flushLocked()
}

// flushLocked writes to a temp file and renames it so a crash never leaves a partial file.
func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".selection-*")
	if err != nil {
		return fmt.Errorf("selection: write: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("selection: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("selection: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("selection: write: %w", err)
	}
	return nil
}
