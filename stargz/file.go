package stargz

import (
	"archive/tar"
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxGzipBuffer bounds the buffered reader placed in front of each chunk's
// gzip decoder, per spec §4.6 / §5 ("memory use per read_at is bounded by
// the smaller of 2 MiB and the remaining compressed window").
const maxGzipBuffer = 2 << 20

// FileReader provides random access to one regular file's logical bytes,
// decoding only the one chunk that covers a given ReadAt call's offset.
type FileReader struct {
	source io.ReaderAt
	chunks []*TOCEntry // ascending by ChunkOffset
	size   int64
}

// NewFileReader builds a FileReader over the chunk list of one stargz
// regular-file entry. chunks must already carry their NextOffset (i.e. come
// from a Reader whose index build has completed).
func NewFileReader(source io.ReaderAt, chunks []*TOCEntry, size int64) *FileReader {
	return &FileReader{source: source, chunks: chunks, size: size}
}

// ReadAt copies the bytes of the logical file starting at off into p. It
// decodes only the chunk covering off and stops at that chunk's end, so the
// count is short, with a nil error, when p reaches past the chunk boundary
// or when decoding the chunk yields fewer bytes than requested; callers
// continue at off+n for the rest. At or beyond end of file it returns
// 0, io.EOF.
func (f *FileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset.WithDetail("offset", off)
	}
	if off >= f.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	c, ok := chunkForOffset(f.chunks, off)
	if !ok {
		return 0, ErrInternalConsistency.WithDetail("offset", off)
	}

	// Each chunk owns exactly one gzip member (spec §3 invariants), so the
	// member starts at c.Offset and ends at or before c.NextOffset().
	window := c.NextOffset() - c.Offset
	section := NewSection(f.source, c.Offset, window)
	br := bufio.NewReaderSize(section, clampInt(window, maxGzipBuffer))

	gr, err := gzip.NewReader(br)
	if err != nil {
		return 0, wrapIO(err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	if _, err := tr.Next(); err != nil {
		return 0, wrapIO(err)
	}

	skip := off - c.ChunkOffset
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, tr, skip); err != nil {
			return 0, wrapIO(err)
		}
	}

	want := int64(len(p))
	if max := c.ChunkSize - skip; want > max {
		want = max
	}
	if want <= 0 {
		return 0, io.EOF
	}

	n, err := io.ReadFull(tr, p[:want])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return n, wrapIO(err)
	}
	return n, nil
}

func clampInt(n, max int64) int {
	if n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}
