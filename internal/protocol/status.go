package protocol

// Status is the decoded first (and, if present, second) payload byte of an
// S0/S6 response.
type Status struct {
	BarrierOpen     bool
	SensorOccupied  bool
	HasNovelty      bool
	HasInputs       bool
	Inputs          [8]bool
}

// ParseStatusPayload decodes bit0 (barrier_open), bit1 (sensor_occupied)
// and bit7 (has_novelty) from the first payload byte, and an 8-bit digital
// input vector from the second byte if present. When the novelty bit is
// set the bytes after the status byte carry the buffered novelty instead
// of the input vector, so no inputs are decoded in that case.
func ParseStatusPayload(payload []byte) Status {
	var s Status
	if len(payload) == 0 {
		return s
	}
	b0 := payload[0]
	s.BarrierOpen = b0&0x01 != 0
	s.SensorOccupied = b0&0x02 != 0
	s.HasNovelty = b0&0x80 != 0

	if !s.HasNovelty && len(payload) >= 2 {
		s.HasInputs = true
		b1 := payload[1]
		for i := 0; i < 8; i++ {
			s.Inputs[i] = b1&(1<<uint(i)) != 0
		}
	}
	return s
}

// Novelty is a buffered access event decoded from the tail of an S6 (or
// novelty-flagged S0) response: an identifier, optionally followed by a
// 6-byte timestamp field. Firmware pads or truncates unpredictably beyond the
// identifier, so trailing bytes are preserved rather than rejected.
type Novelty struct {
	Identifier string
	Timestamp  string // the 6 bytes after the identifier if present, else ""
	Trailing   []byte
}

// ParseNovelty extracts the identifier (first 8 bytes), an optional
// timestamp field (next 6 bytes) and preserves anything beyond
// that as Trailing. Returns false if fewer than 8 bytes are available.
func ParseNovelty(data []byte) (Novelty, bool) {
	if len(data) < 8 {
		return Novelty{}, false
	}
	n := Novelty{Identifier: string(data[:8])}
	rest := data[8:]
	if len(rest) >= 6 {
		n.Timestamp = string(rest[:6])
		rest = rest[6:]
	}
	if len(rest) > 0 {
		n.Trailing = append([]byte(nil), rest...)
	}
	return n, true
}
