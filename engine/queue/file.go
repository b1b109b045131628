package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/topup/engine/recharge"
)

// CorruptionHandler is notified when a queue file fails to parse and gets
// quarantined. The store keeps running on an empty queue either way.
type CorruptionHandler func(service recharge.Service, quarantinedPath string, parseErr error)

// FileStore keeps one service's queue in a single JSON file. Mutations
// rewrite the file through a temp file + fsync + rename so a crash never
// leaves a half-written queue behind.
type FileStore struct {
	service recharge.Service
	path    string
	items   []recharge.PendingRecharge
	log     *logrus.Entry
}

// NewFileStore opens (or creates) the queue file for one service. A file
// that exists but does not parse is renamed with a timestamp suffix and
// reported through onCorrupt; the store starts empty in that case.
func NewFileStore(dir string, service recharge.Service, log *logrus.Logger, onCorrupt CorruptionHandler) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	s := &FileStore{
		service: service,
		path:    filepath.Join(dir, fmt.Sprintf("pending_%s.json", service)),
		log:     log.WithFields(logrus.Fields{"component": "queue", "service": service}),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, quarantined); renameErr != nil {
			return nil, fmt.Errorf("quarantine queue file: %w", renameErr)
		}
		s.log.WithError(err).WithField("quarantined", quarantined).Error("queue file corrupted, quarantined and starting empty")
		s.items = nil
		if onCorrupt != nil {
			onCorrupt(service, quarantined, err)
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, item recharge.PendingRecharge) error {
	s.items = append(s.items, item)
	if err := s.persist(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return err
	}
	return nil
}

func (s *FileStore) Update(ctx context.Context, id string, mutate func(*recharge.PendingRecharge)) error {
	for i := range s.items {
		if s.items[i].ID == id {
			mutate(&s.items[i])
			s.items[i].UpdatedAt = time.Now()
			return s.persist()
		}
	}
	return ErrNotFound
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return s.persist()
		}
	}
	return ErrNotFound
}

func (s *FileStore) Snapshot(ctx context.Context) ([]recharge.PendingRecharge, error) {
	out := make([]recharge.PendingRecharge, len(s.items))
	copy(out, s.items)
	return out, nil
}

func (s *FileStore) Depth(ctx context.Context) (int, error) {
	return len(s.items), nil
}

// persist writes the whole queue atomically and flushes it to disk.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp queue file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync queue file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}

	// Flush the directory entry too, so the rename survives power loss.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
