package gameserver

import (
	"fmt"
	"time"
)

// TimePeriod is a named phase of the in-world day.
type TimePeriod string

const (
	PeriodMidnight  TimePeriod = "Midnight"
	PeriodLateNight TimePeriod = "Late Night"
	PeriodDawn      TimePeriod = "Dawn"
	PeriodMorning   TimePeriod = "Morning"
	PeriodAfternoon TimePeriod = "Afternoon"
	PeriodDusk      TimePeriod = "Dusk"
	PeriodEvening   TimePeriod = "Evening"
	PeriodNight     TimePeriod = "Night"
)

// GameHour is an in-world hour in [0, 23].
type GameHour int32

// Period returns the named time period for this hour.
//
// Precondition: h is in [0, 23].
// Postcondition: Returns one of the eight TimePeriod constants.
func (h GameHour) Period() TimePeriod {
	switch {
	case h == 0:
		return PeriodMidnight
	case h <= 4:
		return PeriodLateNight
	case h <= 6:
		return PeriodDawn
	case h <= 11:
		return PeriodMorning
	case h <= 16:
		return PeriodAfternoon
	case h <= 18:
		return PeriodDusk
	case h <= 21:
		return PeriodEvening
	default:
		return PeriodNight
	}
}

// String returns the hour in "HH:00" format.
func (h GameHour) String() string {
	return fmt.Sprintf("%02d:00", int(h))
}

// DayCycle is the shared day/night clock of a room. Clients derive sun
// position from the epoch alone, so the server only fixes the epoch.
type DayCycle struct {
	start  time.Time
	length time.Duration
}

// NewDayCycle anchors a cycle offset seconds before created.
//
// Precondition: length > 0; offset >= 0.
// Postcondition: StartMillis() == created.Add(-offset) in Unix milliseconds.
func NewDayCycle(created time.Time, offset, length time.Duration) DayCycle {
	if length <= 0 {
		panic("gameserver.NewDayCycle: length must be > 0")
	}
	return DayCycle{start: created.Add(-offset), length: length}
}

// StartMillis returns the cycle epoch in Unix milliseconds.
func (c DayCycle) StartMillis() int64 {
	return c.start.UnixMilli()
}

// Phase returns the position within the current cycle in [0, 1).
func (c DayCycle) Phase(now time.Time) float64 {
	d := now.Sub(c.start) % c.length
	if d < 0 {
		d += c.length
	}
	return float64(d) / float64(c.length)
}

// Hour maps the current phase onto a 24 hour day, phase 0 being midnight.
//
// Postcondition: Returns a GameHour in [0, 23].
func (c DayCycle) Hour(now time.Time) GameHour {
	h := GameHour(c.Phase(now) * 24)
	if h > 23 {
		h = 23
	}
	return h
}
