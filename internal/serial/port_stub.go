//go:build !linux

package serial

func Open(path string, baud int, blocking bool) (*Port, error) {
	return nil, ErrUnsupported
}

func (p *Port) Read(b []byte) (int, error)  { return 0, ErrUnsupported }
func (p *Port) Write(b []byte) (int, error) { return 0, ErrUnsupported }
func (p *Port) Close() error                { return nil }
