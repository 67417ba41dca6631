// Package cache is the disk cache behind idempotent requests: a sqlite row
// index of entries with inline payloads or managed files, LRU trimming by
// row count and bytes, and advisory locks that keep writers of one file
// apart across processes.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/shared/utils"
	"github.com/glebarez/sqlite"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// indexName is the sqlite file inside each cache directory.
const indexName = "index.db"

// trimSlack is how far the row count may exceed MaxEntries before a trim.
const trimSlack = 10

// byteTrimBatch is how many rows one byte-ceiling pass removes.
const byteTrimBatch = 10

var (
	// ErrNotFound reports a cache miss.
	ErrNotFound = errors.New("cache entry not found")
	// ErrEmptyEntry rejects an entry without payload.
	ErrEmptyEntry = errors.New("cache entry is empty")
	// ErrExpiredEntry rejects an entry that is already stale.
	ErrExpiredEntry = errors.New("cache entry already expired")
	// ErrClosed is returned after Close.
	ErrClosed = httperr.ErrClosed
)

// Observer receives cache events, typically for metrics.
type Observer interface {
	CacheHit(dir string)
	CacheMiss(dir string)
	CacheEvicted(dir string, n int)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)          {}
func (nopObserver) CacheMiss(string)         {}
func (nopObserver) CacheEvicted(string, int) {}

// Options bound and tune a Store.
type Options struct {
	MaxEntries    int
	MaxBytes      int64
	CompressAbove int
	// PartialMaxAge is how long an uncommitted download survives the orphan
	// sweep so it can be resumed by a later process.
	PartialMaxAge time.Duration
	Logger        *logging.Logger
	Observer      Observer
	Hasher        *utils.Hasher
	Locks         *Locks
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 5000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 100 << 20
	}
	if o.CompressAbove <= 0 {
		o.CompressAbove = 4096
	}
	if o.PartialMaxAge <= 0 {
		o.PartialMaxAge = 7 * 24 * time.Hour
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Hasher == nil {
		o.Hasher = utils.NewHasher(utils.BLAKE2b)
	}
	if o.Locks == nil {
		o.Locks = NewLocks()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats summarises a store.
type Stats struct {
	Dir     string
	Entries int64
	Bytes   int64
	Files   int64
}

// Store is the cache for one directory.
type Store struct {
	dir    string
	name   string
	db     *gorm.DB
	opts   Options
	logger *logging.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	trimCh chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Open opens or creates the cache in dir and starts its trim worker.
func Open(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := filepath.Join(dir, indexName) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate cache index: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		closeDB(db)
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		closeDB(db)
		return nil, err
	}

	s := &Store{
		dir:    dir,
		name:   filepath.Base(dir),
		db:     db,
		opts:   opts,
		logger: opts.Logger.Named("cache").With(zap.String("dir", dir)),
		enc:    enc,
		dec:    dec,
		trimCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.trimLoop()

	return s, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Locks returns the lock table guarding this store's files.
func (s *Store) Locks() *Locks { return s.opts.Locks }

// FilePath is the deterministic managed-file path for key.
func (s *Store) FilePath(key string) string {
	return filepath.Join(s.dir, s.opts.Hasher.FileName(key))
}

// Get returns the entry for key. Expired entries are purged first and a hit
// bumps the entry's hit count and access time.
func (s *Store) Get(key string) (*Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	now := s.opts.Now()
	s.purgeExpired(now)

	var r row
	err := s.db.Where("cache_key = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.opts.Observer.CacheMiss(s.name)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	if r.Expires > 0 && r.Expires <= now.UnixMilli() {
		s.opts.Observer.CacheMiss(s.name)
		return nil, ErrNotFound
	}

	if r.Path != "" {
		if _, err := os.Stat(r.Path); err != nil {
			s.logger.Warn("cache file vanished, dropping entry", zap.String("key", key), zap.Error(err))
			s.db.Where("cache_key = ?", key).Delete(&row{})
			s.opts.Observer.CacheMiss(s.name)
			return nil, ErrNotFound
		}
	}

	r.Hits++
	r.LastAccess = now.UnixMilli()
	s.db.Model(&row{}).Where("cache_key = ?", key).Updates(map[string]any{
		"hits":        gorm.Expr("hits + 1"),
		"last_access": r.LastAccess,
	})

	entry, err := s.toEntry(&r)
	if err != nil {
		return nil, err
	}
	s.opts.Observer.CacheHit(s.name)
	return entry, nil
}

// Put stores e, replacing any entry with the same key, and schedules a trim.
func (s *Store) Put(e *Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if e == nil || e.Empty() {
		return ErrEmptyEntry
	}
	now := s.opts.Now()
	if e.Expired(now) {
		return ErrExpiredEntry
	}

	r := row{
		Key:          e.Key,
		Path:         e.Path,
		Size:         e.Size,
		Expires:      toMillis(e.Expires),
		ETag:         e.ETag,
		LastModified: toMillis(e.LastModified),
		Hits:         e.Hits,
		LastAccess:   now.UnixMilli(),
	}
	if len(e.Content) > 0 {
		r.Content = e.Content
		if len(e.Content) > s.opts.CompressAbove {
			r.Content = s.enc.EncodeAll(e.Content, nil)
			r.Compressed = true
		}
		r.Size = int64(len(r.Content))
	}

	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&r).Error; err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}

	s.scheduleTrim()
	return nil
}

// Remove drops key. A backing file that is locked elsewhere stays on disk
// until SweepOrphans finds it.
func (s *Store) Remove(key string) error {
	var r row
	err := s.db.Where("cache_key = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.db.Where("cache_key = ?", key).Delete(&row{}).Error; err != nil {
		return err
	}
	if r.Path != "" {
		s.deleteFile(r.Path)
	}
	return nil
}

// Clear drops every entry and every unlocked managed file.
func (s *Store) Clear() error {
	var paths []string
	if err := s.db.Model(&row{}).Where("path <> ''").Pluck("path", &paths).Error; err != nil {
		return err
	}
	if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&row{}).Error; err != nil {
		return err
	}
	for _, p := range paths {
		s.deleteFile(p)
	}
	return nil
}

// Stats reports the current size of the store.
func (s *Store) Stats() (Stats, error) {
	st := Stats{Dir: s.dir}
	var agg struct {
		Entries int64
		Bytes   int64
		Files   int64
	}
	err := s.db.Model(&row{}).
		Select("COUNT(*) AS entries, COALESCE(SUM(size), 0) AS bytes, COALESCE(SUM(CASE WHEN path <> '' THEN 1 ELSE 0 END), 0) AS files").
		Scan(&agg).Error
	if err != nil {
		return st, err
	}
	st.Entries, st.Bytes, st.Files = agg.Entries, agg.Bytes, agg.Files
	return st, nil
}

// CreateFile opens the managed file for key for writing.
func (s *Store) CreateFile(key string, resume bool) (*ManagedFile, error) {
	return OpenManaged(s.opts.Locks, s.FilePath(key), resume)
}

// CommitFile promotes f and indexes it under key. A zero-byte file is
// discarded and nothing is indexed.
func (s *Store) CommitFile(key string, f *ManagedFile, meta Entry) (*Entry, error) {
	size, err := f.Commit()
	if err != nil {
		return nil, err
	}

	meta.Key = key
	meta.Path = f.FinalPath()
	meta.Size = size
	meta.Content = nil
	if err := s.Put(&meta); err != nil {
		s.deleteFile(meta.Path)
		return nil, err
	}
	return &meta, nil
}

// OpenFile opens the committed file for key for reading.
func (s *Store) OpenFile(key string) (*os.File, error) {
	f, err := os.Open(s.FilePath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Close stops the trim worker and closes the index.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.wg.Wait()

	s.enc.Close()
	s.dec.Close()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) toEntry(r *row) (*Entry, error) {
	content := r.Content
	if r.Compressed {
		var err error
		content, err = s.dec.DecodeAll(r.Content, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
	}
	return &Entry{
		Key:          r.Key,
		Content:      content,
		Path:         r.Path,
		Size:         r.Size,
		Expires:      fromMillis(r.Expires),
		ETag:         r.ETag,
		LastModified: fromMillis(r.LastModified),
		Hits:         r.Hits,
		LastAccess:   fromMillis(r.LastAccess),
	}, nil
}

// purgeExpired removes every expired row. Files still locked by a writer
// are left for a later pass.
func (s *Store) purgeExpired(now time.Time) {
	var expired []row
	err := s.db.Select("cache_key", "path").
		Where("expires > 0 AND expires <= ?", now.UnixMilli()).
		Find(&expired).Error
	if err != nil {
		s.logger.Warn("scan expired entries", zap.Error(err))
		return
	}
	if n := s.removeRows(expired); n > 0 {
		s.logger.Debug("purged expired entries", zap.Int("count", n))
	}
}

// removeRows deletes rows whose files can be locked, skipping the rest.
func (s *Store) removeRows(rows []row) int {
	removed := 0
	for _, r := range rows {
		if r.Path != "" {
			lock, err := s.opts.Locks.TryLock(r.Path)
			if err != nil {
				continue
			}
			os.Remove(r.Path)
			lock.RemoveOnUnlock()
			lock.Unlock()
		}
		if err := s.db.Where("cache_key = ?", r.Key).Delete(&row{}).Error; err != nil {
			s.logger.Warn("delete cache entry", zap.String("key", r.Key), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (s *Store) deleteFile(path string) {
	lock, err := s.opts.Locks.TryLock(path)
	if err != nil {
		s.logger.Debug("cache file busy, leaving for sweep", zap.String("path", path))
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("delete cache file", zap.String("path", path), zap.Error(err))
	}
	lock.RemoveOnUnlock()
	lock.Unlock()
}
