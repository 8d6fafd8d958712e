package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fileDocument is the on-disk shape of the JSON file backend.
type fileDocument struct {
	Customers []*Customer      `json:"customers"`
	Messages  []*MessageRecord `json:"messages"`
}

// FileStore keeps everything in a single JSON file. Writes go through a
// temp file and rename so a crash mid-write leaves the previous state
// intact. Suited to the single-process deployment this service targets.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewFileStore opens (or creates) the JSON file at path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &FileStore{path: path, logger: logger}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(&fileDocument{}); err != nil {
			return nil, fmt.Errorf("initialize store file: %w", err)
		}
		logger.Info("store file created", zap.String("path", path))
	}

	return s, nil
}

func (s *FileStore) LoadCustomers(ctx context.Context) ([]*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Customers, nil
}

func (s *FileStore) SaveCustomers(ctx context.Context, customers []*Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Customers = customers
	return s.write(doc)
}

func (s *FileStore) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, c := range doc.Customers {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	c.UpdatedAt = time.Now()
	for i, existing := range doc.Customers {
		if existing.ID == c.ID {
			doc.Customers[i] = c
			return s.write(doc)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	doc.Customers = append(doc.Customers, c)
	return s.write(doc)
}

func (s *FileStore) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Messages = append(doc.Messages, rec)
	return s.write(doc)
}

func (s *FileStore) ListMessages(ctx context.Context, limit int) ([]*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	msgs := doc.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	// Newest first, matching the postgres backend's ordering.
	out := make([]*MessageRecord, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (s *FileStore) Close() {}

func (s *FileStore) read() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}
	return &doc, nil
}

func (s *FileStore) write(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
