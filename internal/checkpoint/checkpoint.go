// Package checkpoint remembers how far each tailed file has been ingested,
// so a restart resumes after the last stored event instead of re-reading
// the whole file or skipping lines written while the daemon was down.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/logging"
	"github.com/xtxerr/nodescope/internal/types"
)

var log = logging.Component("checkpoint")

const keyPrefix = "ckpt/"

// Config configures the checkpoint store.
type Config struct {
	// Dir holds the badger files. Ignored when InMemory is set.
	Dir string

	// InMemory keeps checkpoints in memory only. Used by tests and
	// ingest-only runs that must not move the live position.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Checkpoint is the saved position of one (node, path).
type Checkpoint struct {
	Node        string
	Path        string
	Fingerprint uint64
	Offset      int64
	UpdatedAt   time.Time
}

// Store persists checkpoints in badger.
//
// Store is safe for concurrent use.
type Store struct {
	db *badger.DB

	mu     sync.Mutex
	closed bool
}

// badgerLogger routes badger's own messages into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the checkpoint store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.NewMissingField("checkpoint.dir")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	log.Info("checkpoint store opened", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return &Store{db: db}, nil
}

// Close closes the store. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func key(node, path string) []byte {
	return []byte(keyPrefix + node + "\x00" + path)
}

// value layout: fingerprint(8) offset(8) updated unix ms(8), big endian.
func encode(c Checkpoint) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], c.Fingerprint)
	binary.BigEndian.PutUint64(buf[8:16], uint64(c.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(c.UpdatedAt.UnixMilli()))
	return buf
}

func decode(node, path string, val []byte) (Checkpoint, error) {
	if len(val) != 24 {
		return Checkpoint{}, errors.NewMalformed(fmt.Sprintf("checkpoint value has %d bytes", len(val)))
	}
	return Checkpoint{
		Node:        node,
		Path:        path,
		Fingerprint: binary.BigEndian.Uint64(val[0:8]),
		Offset:      int64(binary.BigEndian.Uint64(val[8:16])),
		UpdatedAt:   time.UnixMilli(int64(binary.BigEndian.Uint64(val[16:24]))).UTC(),
	}, nil
}

// Save records pos as the resume point for node.
func (s *Store) Save(node string, pos types.Position) error {
	c := Checkpoint{
		Node:        node,
		Path:        pos.Path,
		Fingerprint: pos.Fingerprint,
		Offset:      pos.Offset,
		UpdatedAt:   time.Now(),
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(node, pos.Path), encode(c))
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s %s: %w", node, pos.Path, err)
	}
	return nil
}

// Load returns the checkpoint of (node, path) or ErrNotFound.
func (s *Store) Load(node, path string) (Checkpoint, error) {
	var c Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(node, path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			c, err = decode(node, path, val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, errors.NewNotFound("checkpoint", node+":"+path)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s %s: %w", node, path, err)
	}
	return c, nil
}

// Delete forgets the checkpoint of (node, path).
func (s *Store) Delete(node, path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(node, path))
	})
}

// List returns every stored checkpoint.
func (s *Store) List() ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rest := string(item.Key()[len(keyPrefix):])
			node, path, ok := strings.Cut(rest, "\x00")
			if !ok {
				continue
			}
			err := item.Value(func(val []byte) error {
				c, err := decode(node, path, val)
				if err != nil {
					return err
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Resume returns the offset to start reading path at: the checkpointed
// offset when the fingerprint still matches and the file has not shrunk
// below it, otherwise -1.
func (s *Store) Resume(node, path string, fingerprint uint64, size int64) int64 {
	c, err := s.Load(node, path)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Warn("checkpoint unreadable", "node", node, "path", path, "error", err)
		}
		return -1
	}
	if c.Fingerprint != fingerprint || c.Offset > size {
		log.Info("checkpoint stale, ignoring", "node", node, "path", path,
			"offset", c.Offset, "size", size)
		return -1
	}
	return c.Offset
}
