package cache

import (
	"go.uber.org/zap"
)

// scheduleTrim wakes the trim worker. Signals arriving while a trim is
// pending collapse into that one.
func (s *Store) scheduleTrim() {
	select {
	case s.trimCh <- struct{}{}:
	default:
	}
}

func (s *Store) trimLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.trimCh:
			if _, err := s.Trim(); err != nil {
				s.logger.Warn("cache trim failed", zap.Error(err))
			}
		}
	}
}

// Trim enforces the row-count and byte ceilings and returns how many entries
// it removed. Rows are evicted least recently accessed first, then fewest
// hits. The row ceiling only kicks in once it is exceeded by more than the
// slack, and then trims all the way back down to MaxEntries.
func (s *Store) Trim() (int, error) {
	removed := 0

	s.purgeExpired(s.opts.Now())

	var count int64
	if err := s.db.Model(&row{}).Count(&count).Error; err != nil {
		return removed, err
	}
	if count > int64(s.opts.MaxEntries+trimSlack) {
		victims, err := s.oldest(int(count) - s.opts.MaxEntries)
		if err != nil {
			return removed, err
		}
		removed += s.removeRows(victims)
	}

	for {
		var total int64
		if err := s.db.Model(&row{}).Select("COALESCE(SUM(size), 0)").Scan(&total).Error; err != nil {
			return removed, err
		}
		if total <= s.opts.MaxBytes {
			break
		}

		victims, err := s.oldest(byteTrimBatch)
		if err != nil {
			return removed, err
		}
		n := s.removeRows(victims)
		removed += n
		if n == 0 {
			// Everything left is locked by writers.
			break
		}
	}

	if removed > 0 {
		s.opts.Observer.CacheEvicted(s.name, removed)
		s.logger.Info("trimmed cache", zap.Int("removed", removed))
	}
	return removed, nil
}

func (s *Store) oldest(limit int) ([]row, error) {
	var rows []row
	err := s.db.Select("cache_key", "path").
		Order("last_access ASC").
		Order("hits ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
