package pacer

import "time"

const dayLayout = "2006-01-02"

// Clock supplies the current instant. Production wiring uses time.Now,
// whose values carry a monotonic reading, so breaker cooldowns measured
// with Sub are immune to wall-clock jumps.
type Clock func() time.Time

// Calendar anchors all budget accounting to one time zone. Day and hour
// boundaries move with this zone, not with the host clock's zone.
type Calendar struct {
	loc *time.Location
	now Clock
}

func NewCalendar(loc *time.Location, now Clock) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Calendar{loc: loc, now: now}
}

func (c *Calendar) Now() time.Time {
	return c.now()
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Day returns the pacing day t falls on, formatted YYYY-MM-DD.
func (c *Calendar) Day(t time.Time) string {
	return t.In(c.loc).Format(dayLayout)
}

// Hour returns the hour-of-day bucket for t, in [0, 24).
func (c *Calendar) Hour(t time.Time) int {
	return t.In(c.loc).Hour()
}

// ElapsedHours returns the fractional hours elapsed since local midnight,
// clamped to [0, 24). DST transitions make some days longer than 24 wall
// hours; pacing treats every day as 24 buckets regardless.
func (c *Calendar) ElapsedHours(t time.Time) float64 {
	lt := t.In(c.loc)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	h := lt.Sub(midnight).Hours()
	if h < 0 {
		return 0
	}
	if h >= 24 {
		return 24 - 1e-9
	}
	return h
}

// DayProgress returns the fraction of the pacing day elapsed at t, in [0, 1).
func (c *Calendar) DayProgress(t time.Time) float64 {
	return c.ElapsedHours(t) / 24
}

// DaysAgo returns the pacing day n days before t.
func (c *Calendar) DaysAgo(t time.Time, n int) string {
	return t.In(c.loc).AddDate(0, 0, -n).Format(dayLayout)
}
