package producer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/framesync/internal/timeutil"
)

// DefaultBaudRate is used when PortOptions leaves BaudRate unset.
const DefaultBaudRate = 115200

// PortOptions describes the serial connection to a trigger board.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.TrimSpace(strings.ToUpper(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// PortOpener opens a serial device. Tests replace it to feed canned lines.
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialPulses reads trigger pulses from a trigger board. Each non-empty line
// is one pulse. A line of the form "T,<ns>" carries the board's own capture
// timestamp; any other line is stamped with the clock on arrival. Lines
// starting with '#' are ignored.
type SerialPulses struct {
	Path    string
	Options PortOptions
	Clock   timeutil.Clock
	Open    PortOpener
}

func (s SerialPulses) Run(ctx context.Context, emit func(hwNs int64) error) error {
	mode, err := s.Options.SerialMode()
	if err != nil {
		return err
	}
	open := s.Open
	if open == nil {
		open = OpenSerialPort
	}
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	port, err := open(s.Path, mode)
	if err != nil {
		return fmt.Errorf("open trigger port %s: %w", s.Path, err)
	}
	defer port.Close()
	logf("Reading trigger pulses from %s at %d baud", s.Path, mode.BaudRate)

	scan := bufio.NewScanner(port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("read trigger port: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read trigger port: %w", err)
				default:
				}
				return io.EOF
			}
			hwNs, ok, err := parsePulse(line)
			if err != nil {
				logf("ignoring malformed pulse line %q: %v", line, err)
				continue
			}
			if !ok {
				continue
			}
			if hwNs == 0 {
				hwNs = timeutil.UnixNano(clock)
			}
			if err := emit(hwNs); err != nil {
				return err
			}
		}
	}
}

// parsePulse returns ok=false for blank and comment lines. A zero timestamp
// means the line carried none.
func parsePulse(line string) (hwNs int64, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return 0, false, nil
	}
	if rest, found := strings.CutPrefix(line, "T,"); found {
		ns, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return 0, false, err
		}
		if ns <= 0 {
			return 0, false, fmt.Errorf("timestamp must be positive, got %d", ns)
		}
		return ns, true, nil
	}
	return 0, true, nil
}
