package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMovementID_RoundTrip(t *testing.T) {
	gen := New(time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC))
	instant := time.Date(2026, 7, 29, 14, 32, 7, 250_000_000, time.UTC)

	id := gen.MovementID(instant)
	require.Greater(t, id, int64(0))

	parsed, ok := gen.ParseMovementID(id)
	require.True(t, ok)
	assert.Equal(t, instant.Year(), parsed.Date.Year())
	assert.Equal(t, instant.Month(), parsed.Date.Month())
	assert.Equal(t, instant.Day(), parsed.Date.Day())
	assert.Equal(t, 14, parsed.Hour)
	assert.Equal(t, 32, parsed.Minute)
	assert.Equal(t, 7, parsed.Second)
	assert.Equal(t, 250, parsed.Millisecond)
}

func TestMovementID_SameMillisecondCollides(t *testing.T) {
	gen := New(time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC))
	instant := time.Date(2026, 1, 1, 10, 0, 0, 123_000_000, time.UTC)
	assert.Equal(t, gen.MovementID(instant), gen.MovementID(instant))
}

func TestTicketAndIdentificationID_DifferFromMovementAtSameInstant(t *testing.T) {
	gen := New(time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC))
	instant := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	mv := gen.MovementID(instant)
	tk := gen.TicketID(instant)
	id := gen.IdentificationID(instant)

	assert.NotEqual(t, mv, tk)
	assert.NotEqual(t, mv, id)
	assert.NotEqual(t, tk, id)
}

func TestValidate(t *testing.T) {
	gen := New(time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC))
	instant := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	assert.True(t, gen.Validate(gen.MovementID(instant), KindMovement))
	assert.True(t, gen.Validate(gen.TicketID(instant), KindTicket))
	assert.True(t, gen.Validate(gen.IdentificationID(instant), KindIdentification))
	assert.False(t, gen.Validate(-1, KindMovement))
	assert.True(t, gen.Validate(PersonID(instant), KindPerson))
}
