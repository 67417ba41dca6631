package cache

import "time"

// Entry is one cached response. Exactly one of Content or Path carries the
// payload. A zero Expires never expires.
type Entry struct {
	Key          string
	Content      []byte
	Path         string
	Size         int64
	Expires      time.Time
	ETag         string
	LastModified time.Time
	Hits         int64
	LastAccess   time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !e.Expires.After(now)
}

// Empty reports whether the entry has no payload.
func (e *Entry) Empty() bool {
	return len(e.Content) == 0 && e.Path == ""
}

// row is the persisted form of an Entry.
type row struct {
	Key          string `gorm:"column:cache_key;primaryKey"`
	Content      []byte
	Compressed   bool
	Path         string `gorm:"index"`
	Size         int64
	Expires      int64 `gorm:"index"`
	ETag         string
	LastModified int64
	Hits         int64
	LastAccess   int64 `gorm:"index"`
}

func (row) TableName() string { return "cache_entries" }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
