//go:build linux

package serialport

import (
	"fmt"
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/wpcfield/fieldctl/internal/ferrors"
	"github.com/wpcfield/fieldctl/internal/protocol"
)

// LinuxLink is the production Link backed by a real termios serial port.
// Every Poll is serialized by mu, matching spec.md's "the bus is
// half-duplex; concurrent transmissions are forbidden".
type LinuxLink struct {
	cfg Config

	mu   sync.Mutex
	port *serial.Port
}

// NewLinuxLink builds a closed link for cfg. Call Open before Poll.
func NewLinuxLink(cfg Config) *LinuxLink {
	return &LinuxLink{cfg: cfg}
}

func (l *LinuxLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open()
}

// open assumes mu is held.
func (l *LinuxLink) open() error {
	opts := serial.NewOptions().SetReadTimeout(0)
	port, err := serial.Open(l.cfg.PortName, opts)
	if err != nil {
		return &ferrors.TransientBusError{Op: "open", Cause: err}
	}

	attrs, err := port.GetAttr2()
	if err != nil {
		_ = port.Close()
		return &ferrors.TransientBusError{Op: "get_attr", Cause: err}
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baudFlag(l.cfg.BaudRate))
	attrs.Cflag &^= serial.CSIZE | serial.PARENB | serial.PARODD | serial.CSTOPB
	attrs.Cflag |= dataBitsFlag(l.cfg.DataBits) | serial.CREAD | serial.CLOCAL
	switch l.cfg.Parity {
	case ParityEven:
		attrs.Cflag |= serial.PARENB
	case ParityOdd:
		attrs.Cflag |= serial.PARENB | serial.PARODD
	}
	if l.cfg.StopBits == 2 {
		attrs.Cflag |= serial.CSTOPB
	}
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		_ = port.Close()
		return &ferrors.TransientBusError{Op: "set_attr", Cause: err}
	}

	if l.cfg.HardwareRS485 {
		if err := port.SetRS485(&serial.RS485{
			Flags:              serial.RS485Enabled,
			DelayRTSBeforeSend: uint32(l.cfg.RTSEnableDelay / time.Millisecond),
			DelayRTSAfterSend:  uint32(l.cfg.RTSDisableDelay / time.Millisecond),
		}); err != nil {
			_ = port.Close()
			return &ferrors.TransientBusError{Op: "set_rs485", Cause: err}
		}
	} else {
		if err := port.DisableModemLines(serial.TIOCM_RTS); err != nil {
			_ = port.Close()
			return &ferrors.TransientBusError{Op: "rts_idle", Cause: err}
		}
	}

	l.port = port
	return nil
}

func (l *LinuxLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.close()
}

func (l *LinuxLink) close() error {
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	if err != nil {
		return &ferrors.TransientBusError{Op: "close", Cause: err}
	}
	return nil
}

// Reopen closes and reopens the port, the scheduler's bus-recovery action
// once the consecutive-error budget is exhausted.
func (l *LinuxLink) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.close()
	return l.open()
}

func (l *LinuxLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Poll performs one half-duplex round: flush, key the transmitter up,
// write, drain, key it back down, then optionally read until ETX plus the
// two checksum bytes are seen or readTimeout elapses.
func (l *LinuxLink) Poll(frame []byte, readTimeout time.Duration, expectResponse bool) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil, &ferrors.TransientBusError{Op: "poll", Cause: fmt.Errorf("port not open")}
	}

	if err := l.port.Flush(serial.TCIOFLUSH); err != nil {
		return nil, &ferrors.TransientBusError{Op: "flush", Cause: err}
	}

	if !l.cfg.HardwareRS485 {
		if err := l.port.EnableModemLines(serial.TIOCM_RTS); err != nil {
			return nil, &ferrors.TransientBusError{Op: "rts_up", Cause: err}
		}
		time.Sleep(l.cfg.RTSEnableDelay)
	}

	if _, err := l.port.Write(frame); err != nil {
		return nil, &ferrors.TransientBusError{Op: "write", Cause: err}
	}
	if err := l.port.Drain(); err != nil {
		return nil, &ferrors.TransientBusError{Op: "drain", Cause: err}
	}

	if !l.cfg.HardwareRS485 {
		time.Sleep(l.cfg.RTSDisableDelay)
		if err := l.port.DisableModemLines(serial.TIOCM_RTS); err != nil {
			return nil, &ferrors.TransientBusError{Op: "rts_down", Cause: err}
		}
		if err := l.port.Flush(serial.TCIFLUSH); err != nil {
			return nil, &ferrors.TransientBusError{Op: "flush_rx", Cause: err}
		}
	}

	if !expectResponse {
		return nil, nil
	}
	return l.readUntilFrameEnd(readTimeout)
}

// readUntilFrameEnd reads one byte at a time until ETX is seen followed by
// two checksum bytes, or the deadline expires. Bytes read so far are
// always returned, even on timeout, so the caller can tell a truncated
// reply from silence.
func (l *LinuxLink) readUntilFrameEnd(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 32)
	one := make([]byte, 1)
	checksumRemaining := -1

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, &ferrors.TransientBusError{Op: "read", Cause: fmt.Errorf("read timeout")}
		}
		n, err := l.port.ReadTimeout(one, remaining)
		if err != nil {
			return buf, &ferrors.TransientBusError{Op: "read", Cause: err}
		}
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if checksumRemaining > 0 {
			checksumRemaining--
			if checksumRemaining == 0 {
				return buf, nil
			}
			continue
		}
		if one[0] == protocol.ETX {
			checksumRemaining = 2
		}
	}
}

func baudFlag(baud int) serial.CFlag {
	switch baud {
	case 1200:
		return serial.B1200
	case 2400:
		return serial.B2400
	case 4800:
		return serial.B4800
	case 9600:
		return serial.B9600
	case 19200:
		return serial.B19200
	case 38400:
		return serial.B38400
	case 57600:
		return serial.B57600
	case 115200:
		return serial.B115200
	default:
		return serial.B9600
	}
}

func dataBitsFlag(bits int) serial.CFlag {
	switch bits {
	case 5:
		return serial.CS5
	case 6:
		return serial.CS6
	case 7:
		return serial.CS7
	default:
		return serial.CS8
	}
}
