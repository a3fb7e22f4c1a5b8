package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a UTC calendar day. The zero Day means "never".
type Day struct {
	midnight time.Time
}

// DayOf returns the UTC calendar day containing instant.
func DayOf(instant time.Time) Day {
	utc := instant.UTC()
	return Day{midnight: time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD value.
func ParseDay(raw string) (Day, error) {
	parsed, err := time.ParseInLocation(dayLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %v", ErrInvalidDay, err)
	}
	return Day{midnight: parsed}, nil
}

// IsZero reports whether the day is unset.
func (day Day) IsZero() bool {
	return day.midnight.IsZero()
}

// Before reports whether day is strictly earlier than other. An unset day is
// earlier than every set day.
func (day Day) Before(other Day) bool {
	if day.IsZero() {
		return !other.IsZero()
	}
	return day.midnight.Before(other.midnight)
}

// Equal reports whether both values denote the same day.
func (day Day) Equal(other Day) bool {
	return day.midnight.Equal(other.midnight)
}

// AddDays shifts the day by n calendar days.
func (day Day) AddDays(n int) Day {
	return Day{midnight: day.midnight.AddDate(0, 0, n)}
}

// Time returns UTC midnight of the day.
func (day Day) Time() time.Time {
	return day.midnight
}

// String formats the day as YYYY-MM-DD, or "" when unset.
func (day Day) String() string {
	if day.IsZero() {
		return ""
	}
	return day.midnight.Format(dayLayout)
}

// Cutover is the HH:MM UTC instant at which a new effective day begins.
type Cutover struct {
	hour   int
	minute int
}

// MidnightCutover is the default 00:00 UTC cutover.
var MidnightCutover = Cutover{}

// ParseCutover parses an "HH:MM" value.
func ParseCutover(raw string) (Cutover, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return Cutover{}, fmt.Errorf("%w: %q", ErrInvalidCutover, raw)
	}
	hour, hourErr := strconv.Atoi(parts[0])
	minute, minuteErr := strconv.Atoi(parts[1])
	if hourErr != nil || minuteErr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Cutover{}, fmt.Errorf("%w: %q", ErrInvalidCutover, raw)
	}
	return Cutover{hour: hour, minute: minute}, nil
}

// String formats the cutover as HH:MM.
func (cutover Cutover) String() string {
	return fmt.Sprintf("%02d:%02d", cutover.hour, cutover.minute)
}

// EffectiveDay is today when now is at or after the cutover, yesterday otherwise.
func (cutover Cutover) EffectiveDay(now time.Time) Day {
	today := DayOf(now)
	boundary := today.midnight.Add(time.Duration(cutover.hour)*time.Hour + time.Duration(cutover.minute)*time.Minute)
	if now.UTC().Before(boundary) {
		return today.AddDays(-1)
	}
	return today
}
