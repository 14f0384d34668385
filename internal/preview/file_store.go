package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"forge/api/internal/util"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	fileVersion = 1
	DefaultTTL  = 8 * time.Hour
)

type fileDocument struct {
	Version int       `json:"version"`
	Entries []Preview `json:"entries"`
}

// FileStore keeps every preview in one JSON document. Each read prunes
// expired entries and each write replaces the whole file, so concurrent
// writers race and the last full write wins.
type FileStore struct {
	fs   afero.Fs
	path string
	ttl  time.Duration
	now  func() time.Time
}

func NewFileStore(fsys afero.Fs, path string, ttl time.Duration) *FileStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileStore{fs: fsys, path: path, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source used for expiry.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

func (s *FileStore) Get(ctx context.Context, token string) (Preview, bool, error) {
	entries, err := s.load()
	if err != nil {
		return Preview{}, false, err
	}
	for _, entry := range entries {
		if entry.Token == token {
			return entry, true, nil
		}
	}
	return Preview{}, false, nil
}

// Put replaces any entry with the same token and appends otherwise.
func (s *FileStore) Put(ctx context.Context, p Preview) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	next := make([]Preview, 0, len(entries)+1)
	for _, entry := range entries {
		if entry.Token != p.Token {
			next = append(next, entry)
		}
	}
	next = append(next, p)
	return s.write(next)
}

// load reads the document and drops expired entries, persisting the pruned
// list when anything was removed.
func (s *FileStore) load() ([]Preview, error) {
	raw, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Preview{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preview store: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Version != fileVersion {
		log.Warn().Err(err).Str("path", s.path).Int("version", doc.Version).Msg("discarding unreadable preview store")
		return []Preview{}, nil
	}

	cutoff := s.now().Add(-s.ttl)
	live := make([]Preview, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		created, err := time.Parse(time.RFC3339Nano, entry.CreatedAt)
		if err != nil || created.Before(cutoff) {
			continue
		}
		live = append(live, entry)
	}

	if pruned := len(doc.Entries) - len(live); pruned > 0 {
		if err := s.write(live); err != nil {
			return nil, err
		}
		log.Debug().Int("pruned", pruned).Str("path", s.path).Msg("pruned expired previews")
	}
	return live, nil
}

func (s *FileStore) write(entries []Preview) error {
	payload, err := json.MarshalIndent(fileDocument{Version: fileVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preview store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create preview dir: %w", err)
		}
	}
	tmp := s.path + ".tmp-" + util.NewID("w")
	if err := afero.WriteFile(s.fs, tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write preview store: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace preview store: %w", err)
	}
	return nil
}
