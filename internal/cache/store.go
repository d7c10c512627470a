// Package cache persists the client's local tail of each agent
// timeline so a restarted client can resume from its cursor.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"agent-sync/internal/timeline"
)

const (
	fileSuffix    = ".json.zst"
	formatVersion = 1

	// DefaultRetain bounds the entries kept per snapshot.
	DefaultRetain = 500
)

// Snapshot is the persisted local state of one agent timeline.
type Snapshot struct {
	Version int              `json:"version"`
	AgentID string           `json:"agentId"`
	Cursor  timeline.Cursor  `json:"cursor"`
	Entries []timeline.Entry `json:"entries"`
	SavedAt time.Time        `json:"savedAt"`
}

// HasTail reports whether the snapshot can seed an incremental fetch.
func (s Snapshot) HasTail() bool {
	return s.Cursor.Epoch != "" && len(s.Entries) > 0
}

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Store keeps one compressed snapshot file per agent in a directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	retain int
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetain bounds how many trailing entries Save keeps.
func WithRetain(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// Open creates dir if needed and returns a store rooted there.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{dir: dir, retain: DefaultRetain, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dir, url.PathEscape(agentID)+fileSuffix)
}

// Load returns the snapshot for agentID. A missing snapshot is not an
// error; ok is false. A corrupt snapshot is removed and reported as
// missing so the caller falls back to a tail fetch.
func (s *Store) Load(agentID string) (snap Snapshot, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(agentID)
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", agentID, err)
	}

	if derr := decode(compressed, &snap); derr != nil || snap.Version != formatVersion || snap.AgentID != agentID {
		s.logger.Warn("discarding unreadable snapshot",
			zap.String("agent_id", agentID),
			zap.Int("version", snap.Version),
			zap.Error(derr),
		)
		os.Remove(path)
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func decode(compressed []byte, snap *Snapshot) error {
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Save writes the snapshot for agentID, keeping the last retain
// entries. The file is replaced atomically.
func (s *Store) Save(agentID string, cursor timeline.Cursor, entries []timeline.Entry) error {
	if len(entries) > s.retain {
		entries = entries[len(entries)-s.retain:]
	}
	data, err := json.Marshal(Snapshot{
		Version: formatVersion,
		AgentID: agentID,
		Cursor:  cursor,
		Entries: entries,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", agentID, err)
	}
	compressed := zstdEncoder.EncodeAll(data, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot %s: %w", agentID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot %s: %w", agentID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(agentID)); err != nil {
		return fmt.Errorf("install snapshot %s: %w", agentID, err)
	}
	return nil
}

// Evict removes the snapshot for agentID. Evicting a missing snapshot
// is a no-op.
func (s *Store) Evict(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(agentID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("evict snapshot %s: %w", agentID, err)
	}
	return nil
}
