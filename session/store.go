package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultTitle = "New Conversation"

// Store defines operations for conversation persistence.
type Store interface {
	// Session metadata
	List(ctx context.Context) ([]SessionMeta, error)
	Get(ctx context.Context, sessionID string) (SessionMeta, bool, error)
	Create(ctx context.Context, sessionID string, mode Mode) (SessionMeta, error)
	Delete(ctx context.Context, sessionID string) error
	Update(ctx context.Context, sessionID string, title string) error
	Activate(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string) error
	SetCodexSession(ctx context.Context, sessionID string, codexSessionID string) error

	// History persistence
	GetHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error)
	AppendToHistory(ctx context.Context, sessionID string, record any) error

	SetOnChangeListener(l OnChangeListener)
}

// indexData is the structure of index.json.
type indexData struct {
	Sessions []SessionMeta `json:"sessions"`
}

// FileStore implements Store using file system storage.
type FileStore struct {
	dataDir  string
	mu       sync.RWMutex
	listener OnChangeListener
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a new FileStore with the given data directory.
func NewFileStore(dataDir string) (*FileStore, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// SetOnChangeListener registers the listener notified after every index
// change. The listener is called with the store lock held and must not block.
func (s *FileStore) SetOnChangeListener(l OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *FileStore) notify(op Operation, meta SessionMeta) {
	if s.listener != nil {
		s.listener.OnSessionChange(SessionChangeEvent{Op: op, Session: meta})
	}
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "sessions", "index.json")
}

func (s *FileStore) readIndex() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Sessions: []SessionMeta{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, fmt.Errorf("parse session index: %w", err)
	}
	return idx, nil
}

// writeIndex replaces index.json atomically.
func (s *FileStore) writeIndex(idx indexData) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

// List returns all sessions, newest first.
func (s *FileStore) List(ctx context.Context) ([]SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Sessions, nil
}

// Get returns a session by ID. Returns (session, found, error).
func (s *FileStore) Get(ctx context.Context, sessionID string) (SessionMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return SessionMeta{}, false, err
	}

	for _, sess := range idx.Sessions {
		if sess.ID == sessionID {
			return sess, true, nil
		}
	}
	return SessionMeta{}, false, nil
}

// Create creates a new session with the given ID and default title.
func (s *FileStore) Create(ctx context.Context, sessionID string, mode Mode) (SessionMeta, error) {
	if mode == "" {
		mode = ModeDefault
	}
	if !mode.IsValid() {
		return SessionMeta{}, fmt.Errorf("invalid mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return SessionMeta{}, err
	}

	now := time.Now()
	session := SessionMeta{
		ID:        sessionID,
		Title:     defaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Mode:      mode,
	}

	// Prepend new session (newest first)
	idx.Sessions = append([]SessionMeta{session}, idx.Sessions...)

	if err := s.writeIndex(idx); err != nil {
		return SessionMeta{}, err
	}
	s.notify(OperationCreate, session)
	return session, nil
}

// Delete removes a session by ID, including its history.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete session directory (includes history)
	sessionDir := filepath.Join(s.dataDir, "sessions", sessionID)
	if err := os.RemoveAll(sessionDir); err != nil {
		return err
	}

	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	newSessions := make([]SessionMeta, 0, len(idx.Sessions))
	for _, sess := range idx.Sessions {
		if sess.ID != sessionID {
			newSessions = append(newSessions, sess)
		}
	}
	idx.Sessions = newSessions

	if err := s.writeIndex(idx); err != nil {
		return err
	}
	s.notify(OperationDelete, SessionMeta{ID: sessionID})
	return nil
}

// Update updates a session's title by ID.
// Returns ErrSessionNotFound if the session does not exist.
func (s *FileStore) Update(ctx context.Context, sessionID string, title string) error {
	return s.modify(sessionID, func(meta *SessionMeta) {
		meta.Title = title
	})
}

// Activate marks a session as activated (first message sent).
// Returns ErrSessionNotFound if the session does not exist.
func (s *FileStore) Activate(ctx context.Context, sessionID string) error {
	return s.modify(sessionID, func(meta *SessionMeta) {
		meta.Activated = true
	})
}

// Touch bumps a session's updated_at.
func (s *FileStore) Touch(ctx context.Context, sessionID string) error {
	return s.modify(sessionID, func(*SessionMeta) {})
}

// SetCodexSession records the codex conversation id for a session.
func (s *FileStore) SetCodexSession(ctx context.Context, sessionID string, codexSessionID string) error {
	return s.modify(sessionID, func(meta *SessionMeta) {
		meta.CodexSessionID = codexSessionID
	})
}

func (s *FileStore) modify(sessionID string, fn func(meta *SessionMeta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	for i := range idx.Sessions {
		if idx.Sessions[i].ID != sessionID {
			continue
		}
		fn(&idx.Sessions[i])
		idx.Sessions[i].UpdatedAt = time.Now()
		if err := s.writeIndex(idx); err != nil {
			return err
		}
		s.notify(OperationUpdate, idx.Sessions[i])
		return nil
	}

	return ErrSessionNotFound
}

func (s *FileStore) historyPath(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID, "history.jsonl")
}

// GetHistory reads all history records from the session's JSONL file.
func (s *FileStore) GetHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.historyPath(sessionID)
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records := []json.RawMessage{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Make a copy since scanner reuses the buffer
		record := make(json.RawMessage, len(line))
		copy(record, line)
		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	return records, nil
}

// AppendToHistory appends a record to the session's history JSONL file.
func (s *FileStore) AppendToHistory(ctx context.Context, sessionID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.historyPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(data)
	return err
}
