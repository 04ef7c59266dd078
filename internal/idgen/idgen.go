// Package idgen generates the human-inspectable entity IDs used throughout
// the field controller, grounded in the original WPC system's
// utils/id_generator.py: upper digits reveal the day, lower digits reveal
// the time of day, both relative to a fixed configured epoch.
package idgen

import "time"

const (
	dayFactor = 100_000_000

	ticketOffset         = 50_000_000
	identificationOffset = 25_000_000
)

// Generator produces monotonic-within-a-day IDs relative to a fixed base
// date, matching the original system's new_id_mvt/new_id_tck scheme.
// Ticket and identification ids add a fixed offset to the movement id of
// the same instant, so the three ids of one instant differ; the offsets
// are smaller than a day's millisecond range, so ids of different instants
// can coincide across the families.
type Generator struct {
	epochBase time.Time
}

// New returns a Generator anchored at epochBase (truncated to a calendar
// day in epochBase's own location).
func New(epochBase time.Time) *Generator {
	y, m, d := epochBase.Date()
	return &Generator{epochBase: time.Date(y, m, d, 0, 0, 0, 0, epochBase.Location())}
}

// MovementID builds days_since_epoch*1e8 + milliseconds_since_midnight for
// instant, in the generator's epoch location.
func (g *Generator) MovementID(instant time.Time) int64 {
	instant = instant.In(g.epochBase.Location())
	y, m, d := instant.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, instant.Location())
	days := int64(dayStart.Sub(g.epochBase).Hours() / 24)

	msToday := int64(instant.Sub(dayStart) / time.Millisecond)
	return days*dayFactor + msToday
}

// TicketID derives a ticket id from the same day/millisecond scheme as
// MovementID, offset so it differs from the movement id of the same instant.
func (g *Generator) TicketID(instant time.Time) int64 {
	return g.MovementID(instant) + ticketOffset
}

// IdentificationID derives an identification id the same way, with its own
// offset.
func (g *Generator) IdentificationID(instant time.Time) int64 {
	return g.MovementID(instant) + identificationOffset
}

// Parsed is the decomposition of a movement-family ID back into its
// calendar date and time-of-day components.
type Parsed struct {
	Date          time.Time
	Hour          int
	Minute        int
	Second        int
	Millisecond   int
	Instant       time.Time
}

// ParseMovementID decomposes id back into date/time-of-day, the inverse of
// MovementID. It is intended for diagnostics, not the hot path.
func (g *Generator) ParseMovementID(id int64) (Parsed, bool) {
	if id < 0 {
		return Parsed{}, false
	}
	days := id / dayFactor
	msToday := id % dayFactor
	if msToday < 0 || msToday >= 24*60*60*1000 {
		return Parsed{}, false
	}

	date := g.epochBase.AddDate(0, 0, int(days))
	totalSeconds := msToday / 1000
	hours := int(totalSeconds / 3600)
	minutes := int((totalSeconds % 3600) / 60)
	seconds := int(totalSeconds % 60)
	millis := int(msToday % 1000)

	instant := time.Date(date.Year(), date.Month(), date.Day(), hours, minutes, seconds, millis*int(time.Millisecond), date.Location())
	return Parsed{
		Date:        date,
		Hour:        hours,
		Minute:      minutes,
		Second:      seconds,
		Millisecond: millis,
		Instant:     instant,
	}, true
}

// IDKind classifies which entity family an ID belongs to, for Validate.
type IDKind int

const (
	KindMovement IDKind = iota
	KindTicket
	KindIdentification
	KindPerson
)

// Validate reports whether id is a structurally valid ID of the given
// kind: movement/ticket/identification ids must decompose to a sane
// date/time, person ids are a bounded positive integer.
func (g *Generator) Validate(id int64, kind IDKind) bool {
	switch kind {
	case KindMovement:
		if id <= 0 {
			return false
		}
		_, ok := g.ParseMovementID(id)
		return ok
	case KindTicket:
		return g.Validate(id-ticketOffset, KindMovement)
	case KindIdentification:
		return g.Validate(id-identificationOffset, KindMovement)
	case KindPerson:
		return id > 0 && id < 10_000_000_000
	default:
		return false
	}
}

// PersonID derives a person id from a Unix millisecond timestamp, matching
// the original's IDGenerator.generate_person_id.
func PersonID(now time.Time) int64 {
	return (now.UnixMilli()) % 1_000_000_000
}
