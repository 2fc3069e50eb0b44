package timeline

import (
	"fmt"
	"math"
	"time"
)

const (
	nowEpsilon = 3 * time.Second
	justNow    = "たった今"
	pastSuffix = "前"
	nextSuffix = "後"
)

// FormatRelative renders t relative to now. Within a day it reads like
// "5分前"; beyond that it falls back to "MM-DD HH:MM" in loc, prefixed with
// the year when it differs from now's.
func FormatRelative(t, now time.Time, loc *time.Location) string {
	elapsed := now.Sub(t)
	abs := elapsed
	if abs < 0 {
		abs = -abs
	}
	if abs < nowEpsilon {
		return justNow
	}

	suffix := pastSuffix
	if elapsed < 0 {
		suffix = nextSuffix
	}

	switch {
	case abs < time.Minute:
		return fmt.Sprintf("%d秒%s", round(abs, time.Second), suffix)
	case abs < time.Hour:
		return fmt.Sprintf("%d分%s", round(abs, time.Minute), suffix)
	case abs < 24*time.Hour:
		return fmt.Sprintf("%d時間%s", round(abs, time.Hour), suffix)
	}

	if loc == nil {
		loc = time.Local
	}
	lt, ln := t.In(loc), now.In(loc)
	stamp := lt.Format("01-02 15:04")
	if lt.Year() != ln.Year() {
		return fmt.Sprintf("%d-%s", lt.Year(), stamp)
	}
	return stamp
}

func round(d, unit time.Duration) int64 {
	return int64(math.Round(float64(d) / float64(unit)))
}
