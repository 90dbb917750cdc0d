package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streamcast/internal/models"
)

// Storage is a JSON-file-backed session store safe for concurrent use. An
// empty file path keeps the dataset in memory only, which is the mode tests
// and single-process development deployments run in.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// NewStorage initialises a Storage backed by the JSON document at path. The
// file is created on first persist; an existing document is loaded eagerly so
// a malformed file fails fast.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	s := &Storage{
		filePath: strings.TrimSpace(path),
		data:     dataset{Sessions: make(map[string]models.Session)},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(s)
		}
	}
	if s.filePath == "" {
		return s, nil
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("decode datastore: %w", err)
		}
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
	return s, nil
}

// Ping reports whether the backing file location is writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("datastore directory: %w", err)
	}
	return nil
}

// CreateSession registers a new offline session owned by ownerID and returns
// the one-time plaintext stream key alongside the stored record.
func (s *Storage) CreateSession(params CreateSessionParams) (models.Session, string, error) {
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		return models.Session{}, "", fmt.Errorf("owner is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Session{}, "", fmt.Errorf("title is required")
	}
	if len([]rune(title)) > MaxSessionTitleLength {
		return models.Session{}, "", fmt.Errorf("title exceeds %d characters", MaxSessionTitleLength)
	}
	category := strings.TrimSpace(params.Category)
	if len([]rune(category)) > MaxSessionCategoryLength {
		return models.Session{}, "", fmt.Errorf("category exceeds %d characters", MaxSessionCategoryLength)
	}

	id, err := generateID()
	if err != nil {
		return models.Session{}, "", err
	}
	key, hash, err := generateStreamKey()
	if err != nil {
		return models.Session{}, "", err
	}

	session := models.Session{
		ID:            id,
		OwnerID:       owner,
		Title:         title,
		Category:      category,
		Private:       params.Private,
		Live:          false,
		StreamKeyHash: hash,
		CreatedAt:     s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		return models.Session{}, "", err
	}
	return session, key, nil
}

// GetSession returns the session with the provided identifier.
func (s *Storage) GetSession(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	return session, ok
}

// FindByKey resolves a stream key to its session by verifying the candidate
// against every stored hash. Keys are salted at rest, so a direct index is
// not possible; the scan is bounded by the registered session count.
func (s *Storage) FindByKey(streamKey string) (models.Session, bool) {
	candidate := strings.TrimSpace(streamKey)
	if candidate == "" {
		return models.Session{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.data.Sessions {
		if session.StreamKeyHash == "" {
			continue
		}
		if err := verifyStreamKey(session.StreamKeyHash, candidate); err == nil {
			return session, true
		}
	}
	return models.Session{}, false
}

// SetLive flips the live flag for the session. Going live stamps StartedAt
// and clears any previous end time; going offline records endedAt (defaulting
// to now when nil).
func (s *Storage) SetLive(id string, live bool, endedAt *time.Time) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	original := session
	now := s.now().UTC()
	if live {
		started := now
		session.Live = true
		session.StartedAt = &started
		session.EndedAt = nil
	} else {
		end := now
		if endedAt != nil {
			end = endedAt.UTC()
		}
		session.Live = false
		session.EndedAt = &end
	}
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return models.Session{}, err
	}
	return session, nil
}

// UpdateSession applies the provided metadata changes.
func (s *Storage) UpdateSession(id string, update SessionUpdate) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	original := session
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Session{}, fmt.Errorf("title is required")
		}
		if len([]rune(title)) > MaxSessionTitleLength {
			return models.Session{}, fmt.Errorf("title exceeds %d characters", MaxSessionTitleLength)
		}
		session.Title = title
	}
	if update.Category != nil {
		session.Category = strings.TrimSpace(*update.Category)
	}
	if update.Private != nil {
		session.Private = *update.Private
	}
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return models.Session{}, err
	}
	return session, nil
}

// ListSessions enumerates sessions, optionally filtered by owner and live
// state, newest first.
func (s *Storage) ListSessions(ownerID string, liveOnly bool) []models.Session {
	owner := strings.TrimSpace(ownerID)
	s.mu.RLock()
	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		if owner != "" && session.OwnerID != owner {
			continue
		}
		if liveOnly && !session.Live {
			continue
		}
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// RotateStreamKey replaces the session's stream key and returns the new
// plaintext once. The previous key stops matching immediately.
func (s *Storage) RotateStreamKey(id string) (models.Session, string, error) {
	key, hash, err := generateStreamKey()
	if err != nil {
		return models.Session{}, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, "", ErrSessionNotFound
	}
	original := session
	session.StreamKeyHash = hash
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return models.Session{}, "", err
	}
	return session, key, nil
}

// DeleteSession removes an offline session.
func (s *Storage) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Live {
		return ErrSessionLive
	}
	delete(s.data.Sessions, id)
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = session
		return err
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
