package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"
)

// indexPattern matches the sqlite index and its WAL side files.
const indexPattern = indexName + "*"

// SweepOrphans deletes files in the cache directory that no entry references:
// temporary files older than PartialMaxAge, stale lock sidecars and
// unindexed payloads. Files held by a writer are skipped.
func (s *Store) SweepOrphans() (int, error) {
	var paths []string
	if err := s.db.Model(&row{}).Where("path <> ''").Pluck("path", &paths).Error; err != nil {
		return 0, err
	}
	indexed := make(map[string]bool, len(paths))
	for _, p := range paths {
		indexed[filepath.Clean(p)] = true
	}

	var (
		mu         sync.Mutex
		candidates []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if filepath.Clean(p) != s.dir {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		if ok, _ := doublestar.Match(indexPattern, name); ok {
			return nil
		}
		if indexed[filepath.Clean(p)] {
			return nil
		}

		mu.Lock()
		candidates = append(candidates, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range candidates {
		if s.sweepOne(p, indexed) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept orphaned cache files", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) sweepOne(p string, indexed map[string]bool) bool {
	name := filepath.Base(p)

	switch {
	case matches("*"+lockSuffix, name):
		data := strings.TrimSuffix(p, lockSuffix)
		if indexed[data] || exists(data) || exists(data+TempSuffix) {
			return false
		}
		lock, err := s.opts.Locks.TryLock(data)
		if err != nil {
			return false
		}
		lock.RemoveOnUnlock()
		lock.Unlock()
		return true

	case matches("*"+TempSuffix, name):
		if !s.stalePartial(p) {
			return false
		}
		final := strings.TrimSuffix(p, TempSuffix)
		lock, err := s.opts.Locks.TryLock(final)
		if err != nil {
			return false
		}
		defer lock.Unlock()
		if !indexed[final] && !exists(final) {
			lock.RemoveOnUnlock()
		}
		return os.Remove(p) == nil

	default:
		lock, err := s.opts.Locks.TryLock(p)
		if err != nil {
			return false
		}
		lock.RemoveOnUnlock()
		defer lock.Unlock()
		return os.Remove(p) == nil
	}
}

// stalePartial reports whether a partial download is old enough to drop.
func (s *Store) stalePartial(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return s.opts.Now().Sub(info.ModTime()) >= s.opts.PartialMaxAge
}

func matches(pattern, name string) bool {
	ok, _ := doublestar.Match(pattern, name)
	return ok
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, os.ErrNotExist)
}
