package stargz

import "io"

// Section is a bounded, offset-shifted view over a random-access byte
// source, used to hand a gzip decoder exactly the bytes of one member
// without letting it read past the member's boundary.
type Section struct {
	r *io.SectionReader
}

// NewSection returns a Section presenting the window [offset, offset+n) of
// base.
func NewSection(base io.ReaderAt, offset, n int64) *Section {
	return &Section{r: io.NewSectionReader(base, offset, n)}
}

// ReadAt reads from the window at a position relative to its start. Reads
// past the window return 0, io.EOF, per io.SectionReader's own contract.
func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// Read reads sequentially from an internal cursor, starting at the window's
// base offset.
func (s *Section) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Size returns the window length.
func (s *Section) Size() int64 {
	return s.r.Size()
}
