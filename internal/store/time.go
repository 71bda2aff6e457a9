package store

import "time"

// The store persists all timestamps as Unix milliseconds. Millisecond
// resolution is enough for every ordering guarantee the specification
// makes (message history, audit eviction, channel backfill) and keeps
// values a plain INTEGER column rather than needing SQLite's less
// portable time functions.

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullableMillisToTime(ms int64, isNull bool) *time.Time {
	if isNull {
		return nil
	}
	t := millisToTime(ms)
	return &t
}

func nullableTimeToMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
