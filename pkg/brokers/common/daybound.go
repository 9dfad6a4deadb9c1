package common

import "time"

// DayBoundary describes when a broker's trading day rolls over.
type DayBoundary struct {
	Location     *time.Location
	RolloverHour int
}

// UTCMidnight is the boundary used by venues that roll at 00:00 UTC.
var UTCMidnight = DayBoundary{Location: time.UTC}

// DayKey returns the trading day t belongs to, formatted as YYYY-MM-DD.
func (b DayBoundary) DayKey(t time.Time) string {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc).Add(-time.Duration(b.RolloverHour) * time.Hour)
	return local.Format("2006-01-02")
}

// FixedZone builds a boundary at a fixed UTC offset, for brokers whose
// server clock is not in the tz database.
func FixedZone(name string, offsetHours, rolloverHour int) DayBoundary {
	return DayBoundary{Location: time.FixedZone(name, offsetHours*3600), RolloverHour: rolloverHour}
}
