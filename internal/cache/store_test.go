package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock advances one millisecond per call so access order is strict.
func tickingClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Now == nil {
		opts.Now = tickingClock()
	}
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func count(t *testing.T, s *Store) int64 {
	t.Helper()
	st, err := s.Stats()
	require.NoError(t, err)
	return st.Entries
}

func TestPutGet(t *testing.T) {
	s := openStore(t, Options{})

	modified := time.UnixMilli(1700000000000)
	require.NoError(t, s.Put(&Entry{
		Key:          "GET https://example.com/a",
		Content:      []byte("hello"),
		ETag:         `"v1"`,
		LastModified: modified,
	}))

	e, err := s.Get("GET https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), e.Content)
	assert.Equal(t, `"v1"`, e.ETag)
	assert.True(t, modified.Equal(e.LastModified))
	assert.True(t, e.Expires.IsZero())
	assert.Equal(t, int64(1), e.Hits)

	e, err = s.Get("GET https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Hits)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplaces(t *testing.T) {
	s := openStore(t, Options{})

	require.NoError(t, s.Put(&Entry{Key: "k", Content: []byte("one")}))
	require.NoError(t, s.Put(&Entry{Key: "k", Content: []byte("two")}))

	e, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), e.Content)
	assert.Equal(t, int64(1), count(t, s))
}

func TestCompression(t *testing.T) {
	s := openStore(t, Options{CompressAbove: 64})
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)

	require.NoError(t, s.Put(&Entry{Key: "big", Content: payload}))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Less(t, st.Bytes, int64(len(payload)))

	e, err := s.Get("big")
	require.NoError(t, err)
	assert.Equal(t, payload, e.Content)
}

func TestPutRejects(t *testing.T) {
	s := openStore(t, Options{})

	assert.ErrorIs(t, s.Put(&Entry{Key: "empty"}), ErrEmptyEntry)
	assert.ErrorIs(t, s.Put(nil), ErrEmptyEntry)
	assert.ErrorIs(t, s.Put(&Entry{
		Key:     "stale",
		Content: []byte("x"),
		Expires: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
	}), ErrExpiredEntry)
	assert.Equal(t, int64(0), count(t, s))
}

func TestExpiredPurgedOnGet(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }

	s := openStore(t, Options{Now: clock})
	require.NoError(t, s.Put(&Entry{Key: "short", Content: []byte("x"), Expires: now.Add(time.Minute)}))
	require.NoError(t, s.Put(&Entry{Key: "long", Content: []byte("y"), Expires: now.Add(time.Hour)}))

	_, err := s.Get("short")
	require.NoError(t, err)

	offset.Store(int64(2 * time.Minute))
	_, err = s.Get("short")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("long")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count(t, s))
}

func TestRowCountTrim(t *testing.T) {
	s := openStore(t, Options{MaxEntries: 5})

	for i := 0; i < 15; i++ {
		require.NoError(t, s.Put(&Entry{Key: fmt.Sprintf("k%02d", i), Content: []byte("v")}))
	}
	// Within the slack nothing is removed.
	n, err := s.Trim()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(15), count(t, s))

	require.NoError(t, s.Put(&Entry{Key: "k15", Content: []byte("v")}))

	require.Eventually(t, func() bool { return count(t, s) <= 5 }, 5*time.Second, 10*time.Millisecond)

	_, err = s.Get("k15")
	assert.NoError(t, err)
	_, err = s.Get("k00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByteTrim(t *testing.T) {
	s := openStore(t, Options{MaxBytes: 1000, CompressAbove: 1 << 20})

	chunk := bytes.Repeat([]byte("x"), 100)
	for i := 0; i < 30; i++ {
		require.NoError(t, s.Put(&Entry{Key: fmt.Sprintf("k%02d", i), Content: chunk}))
	}

	require.Eventually(t, func() bool {
		st, err := s.Stats()
		return err == nil && st.Bytes <= 1000
	}, 5*time.Second, 10*time.Millisecond)

	_, err := s.Get("k29")
	assert.NoError(t, err)
}

func TestManagedFileCommit(t *testing.T) {
	s := openStore(t, Options{})

	f, err := s.CreateFile("file-key", false)
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)

	_, err = os.Stat(f.FinalPath())
	assert.True(t, os.IsNotExist(err), "final path must not exist before commit")

	entry, err := s.CommitFile("file-key", f, Entry{ETag: "e"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.Size)

	got, err := s.Get("file-key")
	require.NoError(t, err)
	assert.Equal(t, s.FilePath("file-key"), got.Path)

	r, err := s.OpenFile("file-key")
	require.NoError(t, err)
	defer r.Close()
	data, err := os.ReadFile(r.Name())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestZeroByteCommitNotPromoted(t *testing.T) {
	s := openStore(t, Options{})

	f, err := s.CreateFile("empty", false)
	require.NoError(t, err)

	_, err = s.CommitFile("empty", f, Entry{})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, err = os.Stat(s.FilePath("empty"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.FilePath("empty") + TempSuffix)
	assert.True(t, os.IsNotExist(err))

	_, err = s.Get("empty")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), count(t, s))
}

func TestManagedFileLockedWhileWriting(t *testing.T) {
	s := openStore(t, Options{})

	f, err := s.CreateFile("k", false)
	require.NoError(t, err)

	_, err = s.CreateFile("k", false)
	var locked *httperr.FileLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, s.FilePath("k"), locked.Path)

	require.NoError(t, f.Abort(false))

	f2, err := s.CreateFile("k", false)
	require.NoError(t, err)
	require.NoError(t, f2.Abort(false))
}

func TestManagedFileResumeAndTail(t *testing.T) {
	locks := NewLocks()
	final := filepath.Join(t.TempDir(), "download.bin")

	f, err := OpenManaged(locks, final, false)
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Abort(true))

	f, err = OpenManaged(locks, final, true)
	require.NoError(t, err)
	off, err := f.Offset()
	require.NoError(t, err)
	assert.Equal(t, int64(10), off)

	tail, err := f.Tail(4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(tail))

	tail, err = f.Tail(100)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(tail))

	_, err = f.Write([]byte("ab"))
	require.NoError(t, err)
	size, err := f.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", string(data))
}

func TestManagedFileReset(t *testing.T) {
	final := filepath.Join(t.TempDir(), "f")
	f, err := OpenManaged(NewLocks(), final, false)
	require.NoError(t, err)

	_, err = f.Write([]byte("stale"))
	require.NoError(t, err)
	require.NoError(t, f.Reset())
	_, err = f.Write([]byte("new"))
	require.NoError(t, err)

	_, err = f.Commit()
	require.NoError(t, err)
	data, _ := os.ReadFile(final)
	assert.Equal(t, "new", string(data))
}

func TestTrimSkipsLockedFiles(t *testing.T) {
	s := openStore(t, Options{MaxEntries: 1})

	f, err := s.CreateFile("locked", false)
	require.NoError(t, err)
	_, err = f.Write([]byte("data"))
	require.NoError(t, err)
	_, err = s.CommitFile("locked", f, Entry{})
	require.NoError(t, err)

	lock, err := s.Locks().TryLock(s.FilePath("locked"))
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Put(&Entry{Key: fmt.Sprintf("k%02d", i), Content: []byte("v")}))
	}

	_, err = s.Trim()
	require.NoError(t, err)

	_, err = os.Stat(s.FilePath("locked"))
	assert.NoError(t, err)
	_, err = s.Get("locked")
	assert.NoError(t, err)

	require.NoError(t, lock.Unlock())
}

func TestRemoveAndClear(t *testing.T) {
	s := openStore(t, Options{})

	f, err := s.CreateFile("file", false)
	require.NoError(t, err)
	_, _ = f.Write([]byte("x"))
	_, err = s.CommitFile("file", f, Entry{})
	require.NoError(t, err)
	require.NoError(t, s.Put(&Entry{Key: "inline", Content: []byte("y")}))

	require.NoError(t, s.Remove("file"))
	_, err = os.Stat(s.FilePath("file"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Remove("does-not-exist"))

	require.NoError(t, s.Clear())
	assert.Equal(t, int64(0), count(t, s))
}

func TestSweepOrphans(t *testing.T) {
	s := openStore(t, Options{})

	f, err := s.CreateFile("kept", false)
	require.NoError(t, err)
	_, _ = f.Write([]byte("x"))
	_, err = s.CommitFile("kept", f, Entry{})
	require.NoError(t, err)

	orphan := filepath.Join(s.Dir(), "deadbeef")
	require.NoError(t, os.WriteFile(orphan, []byte("o"), 0o644))
	staleTemp := filepath.Join(s.Dir(), "cafebabe"+TempSuffix)
	require.NoError(t, os.WriteFile(staleTemp, []byte("t"), 0o644))
	old := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(staleTemp, old, old))
	partial := filepath.Join(s.Dir(), "f00dfeed"+TempSuffix)
	require.NoError(t, os.WriteFile(partial, []byte("p"), 0o644))

	n, err := s.SweepOrphans()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staleTemp)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(partial)
	assert.NoError(t, err, "a recent partial download stays resumable")
	_, err = os.Stat(s.FilePath("kept"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Dir(), indexName))
	assert.NoError(t, err)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put(&Entry{Key: "k", Content: []byte("v")}), ErrClosed)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(t.TempDir(), Options{})
	t.Cleanup(func() { reg.Close() })

	a, err := reg.Store("http_cache", 0)
	require.NoError(t, err)
	b, err := reg.Store("http_cache", 0)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := reg.Store("other", 0)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Same(t, a.Locks(), c.Locks())

	_, err = reg.Store("../escape", 0)
	assert.Error(t, err)
	_, err = reg.Store("", 0)
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"http_cache", "other"}, reg.Names())

	require.NoError(t, reg.Close())
	_, err = reg.Store("http_cache", 0)
	assert.ErrorIs(t, err, ErrClosed)
}
