package app

import (
	"fmt"
	"time"
)

// Sized is embedded by the records that track the size of the storage they own.
type Sized struct {
	Size int64 `json:"size"`
}

// HumanSize returns the size with a binary unit.
func (s Sized) HumanSize() string {
	const unit = 1024
	if s.Size < unit {
		return fmt.Sprintf("%d B", s.Size)
	}
	div, exp := int64(unit), 0
	for n := s.Size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(s.Size)/float64(div), "KMGTPE"[exp])
}

// Schedule is embedded by the records that run once a day at a fixed time.
type Schedule struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// NextDate returns the next moment at hour:minute, today if it is still ahead, otherwise tomorrow.
func (s Schedule) NextDate(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
