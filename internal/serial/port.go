// Package serial opens a tty for raw, non-blocking byte-stream reads.
//
// The descriptor is kept as a plain fd instead of an *os.File: os.File.Fd
// switches the descriptor back to blocking mode, and the bridge polls it
// directly.
package serial

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnsupported = errors.New("serial: not supported on this platform")

// DefaultBaud is used for any rate outside SupportedBauds.
const DefaultBaud = 9600

var SupportedBauds = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// NormalizeBaud returns baud when it is a supported rate, otherwise
// DefaultBaud. ok reports whether baud was accepted as given.
func NormalizeBaud(baud int) (rate int, ok bool) {
	for _, b := range SupportedBauds {
		if b == baud {
			return baud, true
		}
	}
	return DefaultBaud, false
}

type Port struct {
	path string
	baud int

	mu sync.Mutex
	fd int
}

func (p *Port) Path() string { return p.path }

// Baud returns the rate the port was configured with after normalization.
func (p *Port) Baud() int { return p.baud }

// Fd returns the descriptor, or -1 after Close.
func (p *Port) Fd() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fd
}

func (p *Port) String() string {
	return fmt.Sprintf("%s@%d", p.path, p.baud)
}
