package frame

// DefaultCapacity is the accumulation limit for one frame.
const DefaultCapacity = 2048

// Buffer accumulates bytes read from one endpoint until they form a frame.
//
// The write index doubles as the number of buffered bytes. Valid and Invalid
// count classified frames over the process lifetime and are only used for
// reporting.
type Buffer struct {
	data []byte
	n    int

	Valid   uint64
	Invalid uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Len returns the write index.
func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Cap() int { return len(b.data) }

func (b *Buffer) Full() bool { return b.n == len(b.data) }

// Bytes returns the buffered content. The slice aliases the buffer and is only
// valid until the next Classify or Reset.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

func (b *Buffer) Reset() { b.n = 0 }

// MarkValid counts a consumed frame and resets the buffer.
func (b *Buffer) MarkValid() {
	b.Valid++
	b.n = 0
}

// MarkInvalid counts a discarded frame and resets the buffer.
func (b *Buffer) MarkInvalid() {
	b.Invalid++
	b.n = 0
}
