package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReadStatus_RoundTrip(t *testing.T) {
	frame := EncodeReadStatus(7)
	require.Equal(t, []byte{STX, '0', '7', 'S', '0', ETX, 'E', 'F'}, frame)

	parsed, err := ValidateAndParse(frame, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, parsed.Addr)
	assert.Equal(t, "S0", parsed.Op)
	assert.Empty(t, parsed.Payload)
}

func TestEncodeReadStatus_AddressMismatch(t *testing.T) {
	frame := EncodeReadStatus(7)
	_, err := ValidateAndParse(frame, 8)
	require.Error(t, err)
	var invalid *InvalidFrame
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonAddressMismatch, invalid.Reason)
}

func TestValidateAndParse_AllAddresses(t *testing.T) {
	for a := 1; a <= 99; a++ {
		frame := EncodeReadStatus(a)
		parsed, err := ValidateAndParse(frame, a)
		require.NoError(t, err)
		assert.Equal(t, a, parsed.Addr)
		assert.Equal(t, "S0", parsed.Op)
		assert.Empty(t, parsed.Payload)
	}
}

func TestValidateAndParse_ChecksumIsAlwaysLowByteOfSum(t *testing.T) {
	frames := [][]byte{
		EncodeReadStatus(12),
		EncodeContinue(3, ""),
		EncodeStop(99),
		EncodeOkDownloadNovelty(45),
	}
	for _, f := range frames {
		addr, ok := parseDecimal2(f[1:3])
		require.True(t, ok)
		_, err := ValidateAndParse(f, addr)
		require.NoError(t, err)

		body := f[:len(f)-2]
		got := string(f[len(f)-2:])
		assert.Equal(t, Checksum(body), got)
	}
}

func TestValidateAndParse_TooShort(t *testing.T) {
	_, err := ValidateAndParse([]byte{STX, '0', '1'}, 1)
	var invalid *InvalidFrame
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonTooShort, invalid.Reason)
}

func TestValidateAndParse_MissingSTX(t *testing.T) {
	frame := EncodeReadStatus(1)
	frame[0] = 'X'
	_, err := ValidateAndParse(frame, 1)
	var invalid *InvalidFrame
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonMissingSTX, invalid.Reason)
}

func TestValidateAndParse_ChecksumMismatch(t *testing.T) {
	frame := EncodeReadStatus(1)
	frame[len(frame)-1] = 'Z'
	_, err := ValidateAndParse(frame, 1)
	var invalid *InvalidFrame
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, ReasonChecksumMismatch, invalid.Reason)
}

func TestParseStatusPayload_NoveltyBitSet(t *testing.T) {
	status := ParseStatusPayload([]byte{0x83})
	assert.True(t, status.BarrierOpen)
	assert.True(t, status.SensorOccupied)
	assert.True(t, status.HasNovelty)
}

func TestParseNovelty_TrailingBytesPreserved(t *testing.T) {
	data := []byte("ABCD1234" + "010203" + "XY")
	n, ok := ParseNovelty([]byte(data))
	require.True(t, ok)
	assert.Equal(t, "ABCD1234", n.Identifier)
	assert.Equal(t, "010203", n.Timestamp)
	assert.Equal(t, []byte("XY"), n.Trailing)
}

func TestParseNovelty_TooShort(t *testing.T) {
	_, ok := ParseNovelty([]byte("ABC"))
	assert.False(t, ok)
}

func TestCommandReadTimeoutMs(t *testing.T) {
	cases := map[string]int{
		"S0": 2000, "S6": 2000,
		"K0": 1000, "K1": 1000, "O1": 1000,
		"T0": 3000,
		"O5": 5000, "O6": 5000, "O8": 5000, "O9": 5000,
		"??": 2000,
	}
	for op, want := range cases {
		assert.Equal(t, want, CommandReadTimeoutMs(op), op)
	}
}
