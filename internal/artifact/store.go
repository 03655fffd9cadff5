package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	// DefaultPrefix marks every file the store creates so Sweep can recognise them.
	DefaultPrefix = "sensei_"

	binaryExt = ".bin"
	dirPerm   = 0o755
	filePerm  = 0o600
)

// Paths are the two artifacts owned by one session.
type Paths struct {
	Source string `json:"source"`
	Binary string `json:"binary"`
}

// Store hands out per-session artifact paths inside a single working area and
// removes them when the session ends. No other component touches the area.
type Store struct {
	dir    string
	prefix string
	logger *zerolog.Logger

	mu   sync.Mutex
	live map[string]Paths
}

// Option customizes a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates the working area if needed and verifies it is writable.
func New(dir string, logger *zerolog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &Store{
		dir:    dir,
		prefix: DefaultPrefix,
		logger: logger,
		live:   make(map[string]Paths),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &AllocationError{Dir: dir, Err: err}
	}
	probe, err := os.CreateTemp(dir, s.prefix+"probe-*")
	if err != nil {
		return nil, &AllocationError{Dir: dir, Err: err}
	}
	probe.Close()
	os.Remove(probe.Name())

	return s, nil
}

// Dir returns the working area.
func (s *Store) Dir() string {
	return s.dir
}

// Allocate reserves the source and binary paths for sessionID. The source file is
// created exclusively, so two sessions can never end up sharing a path.
func (s *Store) Allocate(sessionID, ext string) (Paths, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return Paths{}, &AllocationError{Dir: s.dir, SessionID: sessionID, Err: ErrInvalidSessionID}
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	base := filepath.Join(s.dir, s.prefix+sessionID)
	paths := Paths{
		Source: base + ext,
		Binary: base + binaryExt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live[sessionID]; exists {
		return Paths{}, &AllocationError{Dir: s.dir, SessionID: sessionID, Err: ErrSessionExists}
	}

	f, err := os.OpenFile(paths.Source, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return Paths{}, &AllocationError{Dir: s.dir, SessionID: sessionID, Err: err}
	}
	f.Close()

	s.live[sessionID] = paths
	return paths, nil
}

// Write persists source text at path.
func (s *Store) Write(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

// Release deletes both artifacts of sessionID. It never fails: removal errors are
// logged and the session is forgotten regardless, so one bad cleanup cannot hold
// up another. Releasing an unknown or already released session is a no-op.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	paths, ok := s.live[sessionID]
	delete(s.live, sessionID)
	s.mu.Unlock()

	if !ok {
		return
	}

	err := multierr.Combine(removeIfExists(paths.Source), removeIfExists(paths.Binary))
	if err != nil {
		for _, e := range multierr.Errors(err) {
			s.logger.Warn().Err(e).Str("session", sessionID).Msg("artifact removal failed")
		}
	}
}

// Live reports how many sessions currently hold artifacts.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep removes prefixed files left behind by an earlier process. Files belonging
// to live sessions are kept. Returns the number of files removed.
func (s *Store) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("artifact sweep failed")
		return 0
	}

	s.mu.Lock()
	owned := make(map[string]bool, len(s.live)*2)
	for _, p := range s.live {
		owned[p.Source] = true
		owned[p.Binary] = true
	}
	s.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if owned[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("stale artifact not removed")
			continue
		}
		removed++
	}
	return removed
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
