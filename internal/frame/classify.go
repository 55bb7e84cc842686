// Package frame implements the line framing shared by the serial upstream and
// the TCP clients: a frame starts with '$' and ends with a line feed. A lone
// line feed is a keepalive and a lone NUL byte ends the transmission.
package frame

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

const (
	StartMarker = '$'
	LineFeed    = 0x0A
	EndMarker   = 0x00
)

type Class int

const (
	Incomplete Class = iota
	Valid
	Invalid
	EndOfStream
)

func (c Class) String() string {
	switch c {
	case Incomplete:
		return "incomplete"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case EndOfStream:
		return "eof"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var (
	// ErrRead marks an Invalid result caused by the read itself rather than
	// by the buffered content.
	ErrRead = errors.New("frame: read failed")
	// ErrOverflow is returned when a frame fills the buffer without a
	// terminating line feed.
	ErrOverflow = errors.New("frame: buffer overflow")
	// ErrNoStartMarker is returned when buffered data does not start with '$'.
	ErrNoStartMarker = errors.New("frame: missing start marker")
)

// Classify performs exactly one read from r into buf and classifies the
// accumulated content.
//
// Incomplete leaves the buffer as is, except for a lone keepalive line feed
// which is dropped. After Valid or Invalid the caller owns the content and must
// reset the buffer. The returned error is diagnostic only; the class decides
// what happens next.
func Classify(r io.Reader, buf *Buffer) (Class, error) {
	if buf.Full() {
		return Invalid, ErrOverflow
	}

	n, err := r.Read(buf.data[buf.n:])
	if n < 0 {
		n = 0
	}
	if n == 0 {
		switch {
		case err == nil || errors.Is(err, io.EOF):
			return EndOfStream, nil
		case wouldBlock(err):
			return Incomplete, nil
		default:
			return Invalid, fmt.Errorf("%w: %w", ErrRead, err)
		}
	}
	buf.n += n

	data := buf.data[:buf.n]
	switch {
	case data[0] == StartMarker:
		if data[len(data)-1] == LineFeed {
			return Valid, nil
		}
		if buf.Full() {
			return Invalid, ErrOverflow
		}
		return Incomplete, nil
	case len(data) == 1 && data[0] == LineFeed:
		buf.n = 0
		return Incomplete, nil
	case len(data) == 1 && data[0] == EndMarker:
		return EndOfStream, nil
	default:
		return Invalid, ErrNoStartMarker
	}
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}
