//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Open opens path read/write without making it the controlling terminal and
// configures it as a raw 8N1 line without flow control. Unknown rates fall
// back to DefaultBaud.
//
// With blocking set, a read waits for at least one byte. Otherwise a read
// returns whatever is available, waiting at most 0.5 s for it.
func Open(path string, baud int, blocking bool) (*Port, error) {
	rate, _ := NormalizeBaud(baud)
	spd := baudToUnix(rate)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, fmt.Errorf("get termios %s: %w", path, err)
	}

	applyRaw(t, blocking)

	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, fmt.Errorf("set termios %s: %w", path, err)
	}

	ok = true
	return &Port{path: path, baud: rate, fd: fd}, nil
}

func applyRaw(t *unix.Termios, blocking bool) {
	// A line break then reads as a NUL byte, which ends the stream.
	t.Iflag &^= unix.IGNBRK
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Lflag = 0
	t.Oflag = 0

	t.Cflag = (t.Cflag &^ unix.CSIZE) | unix.CS8
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.PARENB | unix.PARODD
	t.Cflag &^= unix.CSTOPB
	t.Cflag &^= unix.CRTSCTS

	if blocking {
		t.Cc[unix.VMIN] = 1
	} else {
		t.Cc[unix.VMIN] = 0
	}
	t.Cc[unix.VTIME] = 5
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 1200:
		return unix.B1200
	case 2400:
		return unix.B2400
	case 4800:
		return unix.B4800
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	default:
		return unix.B9600
	}
}

func (p *Port) Read(b []byte) (int, error) {
	n, err := unix.Read(p.Fd(), b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	n, err := unix.Write(p.Fd(), b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	fd := p.fd
	p.fd = -1
	p.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
