package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestNew_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "work")
	s, err := New(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file must not be left behind")
}

func TestNew_Unwritable(t *testing.T) {
	// A regular file cannot serve as the working area.
	f, err := os.CreateTemp(t.TempDir(), "notadir")
	require.NoError(t, err)
	f.Close()

	_, err = New(filepath.Join(f.Name(), "work"), nil)
	require.Error(t, err)
	var allocErr *AllocationError
	assert.True(t, errors.As(err, &allocErr))
}

func TestAllocate(t *testing.T) {
	s := newTestStore(t)

	paths, err := s.Allocate("abc", ".cpp")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "sensei_abc.cpp"), paths.Source)
	assert.Equal(t, filepath.Join(s.Dir(), "sensei_abc.bin"), paths.Binary)
	assert.FileExists(t, paths.Source)
	assert.Equal(t, 1, s.Live())

	t.Run("extension without dot", func(t *testing.T) {
		p, err := s.Allocate("def", "c")
		require.NoError(t, err)
		assert.Equal(t, ".c", filepath.Ext(p.Source))
	})

	t.Run("duplicate session", func(t *testing.T) {
		_, err := s.Allocate("abc", ".cpp")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSessionExists)
	})

	t.Run("invalid id", func(t *testing.T) {
		_, err := s.Allocate("../escape", ".cpp")
		assert.ErrorIs(t, err, ErrInvalidSessionID)
		_, err = s.Allocate("", ".cpp")
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})
}

func TestAllocate_ForeignFileCollision(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "sensei_taken.cpp"), nil, 0o600))

	_, err := s.Allocate("taken", ".cpp")
	require.Error(t, err)
	var allocErr *AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.ErrorIs(t, err, os.ErrExist)
	assert.Equal(t, 0, s.Live())
}

func TestAllocate_ConcurrentUnique(t *testing.T) {
	s := newTestStore(t)
	const n = 32

	var wg sync.WaitGroup
	results := make([]Paths, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Allocate(string(rune('a'+i%26))+string(rune('A'+i/26)), ".cpp")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].Source], "duplicate source path %s", results[i].Source)
		assert.False(t, seen[results[i].Binary], "duplicate binary path %s", results[i].Binary)
		seen[results[i].Source] = true
		seen[results[i].Binary] = true
	}
}

func TestWrite(t *testing.T) {
	s := newTestStore(t)
	paths, err := s.Allocate("w", ".cpp")
	require.NoError(t, err)

	require.NoError(t, s.Write(paths.Source, "int main() {}\n"))
	data, err := os.ReadFile(paths.Source)
	require.NoError(t, err)
	assert.Equal(t, "int main() {}\n", string(data))

	err = s.Write(filepath.Join(s.Dir(), "missing", "file.cpp"), "x")
	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
}

func TestRelease(t *testing.T) {
	s := newTestStore(t)
	paths, err := s.Allocate("r", ".cpp")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.Binary, []byte("bin"), 0o700))

	s.Release("r")
	assert.NoFileExists(t, paths.Source)
	assert.NoFileExists(t, paths.Binary)
	assert.Equal(t, 0, s.Live())

	// Idempotent and tolerant of unknown ids.
	s.Release("r")
	s.Release("never-allocated")

	// The id can be reused once released.
	_, err = s.Allocate("r", ".cpp")
	assert.NoError(t, err)
}

func TestRelease_BinaryNeverBuilt(t *testing.T) {
	s := newTestStore(t)
	paths, err := s.Allocate("nb", ".cpp")
	require.NoError(t, err)

	s.Release("nb")
	assert.NoFileExists(t, paths.Source)
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	live, err := s.Allocate("live", ".cpp")
	require.NoError(t, err)

	stale := filepath.Join(s.Dir(), "sensei_old.bin")
	other := filepath.Join(s.Dir(), "keep.txt")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))
	require.NoError(t, os.WriteFile(other, nil, 0o600))

	assert.Equal(t, 1, s.Sweep())
	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)
	assert.FileExists(t, live.Source)
}

func TestWithPrefix(t *testing.T) {
	s, err := New(t.TempDir(), nil, WithPrefix("run-"))
	require.NoError(t, err)
	paths, err := s.Allocate("x", ".go")
	require.NoError(t, err)
	assert.Equal(t, "run-x.go", filepath.Base(paths.Source))
}
