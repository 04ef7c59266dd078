// Package protocol implements the framed RS-485 wire protocol shared by all
// field modules: frame encoding, checksum validation, status decoding and
// novelty extraction. Every function here is pure and stateless — it is the
// Go rendering of the original WPC system's Protocolo.cls (see
// core/comunication/protocol.py in the retained reference material).
package protocol

import (
	"fmt"
)

const (
	// STX marks the start of every frame.
	STX byte = 0x02
	// ETX marks the end of the frame body, immediately before the checksum.
	ETX byte = 0x03

	minFrameLen = 7 // STX AA OP ETX CS CS
)

// Frame is a decoded, validated protocol frame.
type Frame struct {
	Addr    int
	Op      string
	Payload []byte
}

// InvalidReason enumerates every cause validate_and_parse can report.
type InvalidReason string

const (
	ReasonTooShort            InvalidReason = "too_short"
	ReasonMissingSTX          InvalidReason = "missing_stx"
	ReasonMissingETX          InvalidReason = "missing_etx"
	ReasonMissingChecksum     InvalidReason = "missing_checksum"
	ReasonChecksumMismatch    InvalidReason = "checksum_mismatch"
	ReasonAddressMismatch     InvalidReason = "address_mismatch"
	ReasonAddressNotNumeric   InvalidReason = "address_not_numeric"
)

// InvalidFrame describes why a frame failed validation.
type InvalidFrame struct {
	Reason   InvalidReason
	Expected string
	Got      string
}

func (i *InvalidFrame) Error() string {
	if i.Expected != "" || i.Got != "" {
		return fmt.Sprintf("invalid frame: %s (expected=%s got=%s)", i.Reason, i.Expected, i.Got)
	}
	return fmt.Sprintf("invalid frame: %s", i.Reason)
}

// encodeFrame builds STX|AA|OP|PAYLOAD|ETX|CS1CS2 for the given address,
// opcode and payload bytes.
func encodeFrame(addr int, op string, payload []byte) []byte {
	body := make([]byte, 0, minFrameLen+len(payload))
	body = append(body, STX)
	body = append(body, []byte(fmt.Sprintf("%02d", addr))...)
	body = append(body, []byte(op)...)
	body = append(body, payload...)
	body = append(body, ETX)

	cs := Checksum(body)
	body = append(body, []byte(cs)...)
	return body
}

// Checksum computes the 2 uppercase hex digit low byte of the arithmetic
// sum of every byte in frame, where frame spans STX through ETX inclusive.
func Checksum(frame []byte) string {
	var sum int
	for _, b := range frame {
		sum += int(b)
	}
	return fmt.Sprintf("%02X", sum&0xFF)
}

// EncodeReadStatus builds an S0 (read status) frame for addr.
func EncodeReadStatus(addr int) []byte {
	return encodeFrame(addr, "S0", nil)
}

// EncodeSetTime builds a T0 frame carrying YYMMDDhhmmss.
func EncodeSetTime(addr int, year, month, day, hour, minute, second int) []byte {
	payload := fmt.Sprintf("%02d%02d%02d%02d%02d%02d", year%100, month, day, hour, minute, second)
	return encodeFrame(addr, "T0", []byte(payload))
}

// EncodeContinue builds a K1 (continue sequence / open actuator) frame,
// optionally carrying extra opcode-specific data.
func EncodeContinue(addr int, extra string) []byte {
	return encodeFrame(addr, "K1", []byte(extra))
}

// EncodeStop builds a K0 (stop sequence) frame.
func EncodeStop(addr int) []byte {
	return encodeFrame(addr, "K0", nil)
}

// EncodeOkDownloadNovelty builds an O1 frame acknowledging that the module
// may drop its buffered novelty.
func EncodeOkDownloadNovelty(addr int) []byte {
	return encodeFrame(addr, "O1", nil)
}

// EncodePulse builds a P<n> frame pulsing output (1..8) for durationMs
// (0..9999), zero-padded to 4 digits.
func EncodePulse(addr int, output int, durationMs int) ([]byte, error) {
	if output < 1 || output > 8 {
		return nil, fmt.Errorf("pulse output out of range: %d", output)
	}
	if durationMs < 0 || durationMs > 9999 {
		return nil, fmt.Errorf("pulse duration out of range: %d", durationMs)
	}
	op := fmt.Sprintf("P%d", output)
	payload := fmt.Sprintf("%04d", durationMs)
	return encodeFrame(addr, op, []byte(payload)), nil
}

// EncodeCustom builds an arbitrary opcode/payload frame, for test tooling
// and operator-injected commands.
func EncodeCustom(addr int, op string, payload []byte) []byte {
	return encodeFrame(addr, op, payload)
}

// ValidateAndParse checks structure and checksum and, if both pass,
// verifies the address matches expectedAddr. It returns either a decoded
// Frame or an *InvalidFrame describing why validation failed.
func ValidateAndParse(raw []byte, expectedAddr int) (*Frame, error) {
	if len(raw) < minFrameLen {
		return nil, &InvalidFrame{Reason: ReasonTooShort}
	}
	if raw[0] != STX {
		return nil, &InvalidFrame{Reason: ReasonMissingSTX}
	}

	etxPos := -1
	for i := 1; i < len(raw); i++ {
		if raw[i] == ETX {
			etxPos = i
			break
		}
	}
	if etxPos == -1 {
		return nil, &InvalidFrame{Reason: ReasonMissingETX}
	}
	if len(raw) < etxPos+3 {
		return nil, &InvalidFrame{Reason: ReasonMissingChecksum}
	}

	body := raw[:etxPos+1]
	gotChecksum := string(raw[etxPos+1 : etxPos+3])
	wantChecksum := Checksum(body)
	if !equalFoldChecksum(gotChecksum, wantChecksum) {
		return nil, &InvalidFrame{Reason: ReasonChecksumMismatch, Expected: wantChecksum, Got: gotChecksum}
	}

	if etxPos < 3 {
		return nil, &InvalidFrame{Reason: ReasonTooShort}
	}
	addrBytes := raw[1:3]
	addr, ok := parseDecimal2(addrBytes)
	if !ok {
		return nil, &InvalidFrame{Reason: ReasonAddressNotNumeric}
	}
	if addr != expectedAddr {
		return nil, &InvalidFrame{Reason: ReasonAddressMismatch, Expected: fmt.Sprintf("%d", expectedAddr), Got: fmt.Sprintf("%d", addr)}
	}

	var op string
	if etxPos >= 5 {
		op = string(raw[3:5])
	}
	var payload []byte
	if etxPos > 5 {
		payload = raw[5:etxPos]
	}

	return &Frame{Addr: addr, Op: op, Payload: payload}, nil
}

func equalFoldChecksum(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func parseDecimal2(b []byte) (int, bool) {
	if len(b) != 2 {
		return 0, false
	}
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}

// CommandReadTimeoutMs returns the protocol-defined read deadline for op.
func CommandReadTimeoutMs(op string) int {
	switch op {
	case "S0", "S6":
		return 2000
	case "K0", "K1", "O1":
		return 1000
	case "T0":
		return 3000
	case "O5", "O6", "O8", "O9":
		return 5000
	default:
		return 2000
	}
}
