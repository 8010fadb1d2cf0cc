package bytecounter

import "io"

// Writer is an io.Writer that counts bytes written to it
type Writer struct {
	N int64
	w io.Writer
}

// NewWriter returns a new counting Writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes to the underlying io.Writer and counts total written bytes
func (b *Writer) Write(data []byte) (n int, err error) {
	defer func() { b.N += int64(n) }()
	return b.w.Write(data)
}

// Reader is an io.Reader that counts bytes read from it. It deliberately
// does not implement io.Seeker, so archive/tar skips entries by reading and
// N always equals the stream position.
type Reader struct {
	N int64
	r io.Reader
}

// NewReader returns a new counting Reader
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (b *Reader) Read(p []byte) (n int, err error) {
	defer func() { b.N += int64(n) }()
	return b.r.Read(p)
}
