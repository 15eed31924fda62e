package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"pd-anonymizer/internal/logger"
)

// Backend names accepted by Open.
const (
	BackendBolt   = "bbolt"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// ErrInvalidSessionID is returned for IDs that cannot name a record.
var ErrInvalidSessionID = errors.New("invalid session id")

// ErrLocked is returned by NewBoltStore when another process holds the
// database file.
var ErrLocked = errors.New("vault is locked by another process")

// boltLockTimeout bounds how long NewBoltStore waits for the file lock.
var boltLockTimeout = time.Second

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store is the persistence interface behind a Vault. Implementations must be
// safe for concurrent use. Get returns ErrMissingSession for unknown IDs.
//
// Three implementations are provided:
//   - memoryStore - in-memory only, used in tests and for ephemeral servers.
//   - bboltStore  - embedded key-value store (bbolt), the default.
//   - fileStore   - one <id>.enc file per session under a directory.
type Store interface {
	Put(ctx context.Context, id string, record []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open returns the Store for backend. path is the database file for bbolt
// and the directory for file; memory ignores it.
func Open(backend, path string, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	switch strings.ToLower(backend) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case "", BackendBolt:
		return NewBoltStore(path, log)
	case BackendFile:
		return NewFileStore(path, log)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", backend)
	}
}

func checkID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func missing(id string) error {
	return fmt.Errorf("%w: %s", ErrMissingSession, id)
}

// --- memoryStore ---------------------------------------------------------

type memoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore returns a Store that lives only as long as the process.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string][]byte)}
}

func (s *memoryStore) Put(ctx context.Context, id string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	cp := append([]byte(nil), record...)
	s.mu.Lock()
	s.records[id] = cp
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, missing(id)
	}
	return append([]byte(nil), rec...), nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

// --- bboltStore ----------------------------------------------------------

const boltBucket = "sessions"

type bboltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path and ensures the
// sessions bucket exists.
func NewBoltStore(path string, log *logger.Logger) (Store, error) {
	if path == "" {
		return nil, errors.New("bbolt vault needs a database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create vault dir %q: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltLockTimeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("%w: %q (is pdanon serve running with this vault?)", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open bbolt vault %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	if log != nil {
		log.Infof("open", "session vault opened at %s", path)
	}
	return &bboltStore{db: db}, nil
}

func (s *bboltStore) Put(ctx context.Context, id string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", boltBucket)
		}
		return b.Put([]byte(id), record)
	})
}

func (s *bboltStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		if v := b.Get([]byte(id)); v != nil {
			rec = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if rec == nil {
		return nil, missing(id)
	}
	return rec, nil
}

func (s *bboltStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

// --- fileStore -----------------------------------------------------------

const fileExt = ".enc"

type fileStore struct {
	dir string
}

// NewFileStore stores each session as dir/<id>.enc, creating dir if needed.
func NewFileStore(dir string, log *logger.Logger) (Store, error) {
	if dir == "" {
		return nil, errors.New("file vault needs a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir %q: %w", dir, err)
	}
	if log != nil {
		log.Infof("open", "session vault directory %s", dir)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Put writes via temp file + fsync + rename so readers never observe a
// partial record.
func (s *fileStore) Put(ctx context.Context, id string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(record); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil { // #nosec G703 -- id validated by checkID
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if checkID(id) != nil {
		return nil, missing(id)
	}
	data, err := os.ReadFile(s.path(id)) // #nosec G304 -- id validated by checkID
	if errors.Is(err, os.ErrNotExist) {
		return nil, missing(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	return data, nil
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	if checkID(id) != nil {
		return nil
	}
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func (s *fileStore) Close() error { return nil }
