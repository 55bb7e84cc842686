//go:build !linux

package tcp

func Listen(port int, backlog int) (*Listener, error) {
	return nil, ErrUnsupported
}

func (l *Listener) Accept() (*Conn, error) { return nil, ErrUnsupported }
func (l *Listener) Close() error            { return nil }

func Temporary(err error) bool { return false }

func (c *Conn) Read(b []byte) (int, error)  { return 0, ErrUnsupported }
func (c *Conn) Write(b []byte) (int, error) { return 0, ErrUnsupported }
func (c *Conn) Close() error                { return nil }
