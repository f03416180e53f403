package stargz

import (
	"archive/tar"
	"bufio"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/flaneur2020/stargz-core/stargz/logger"
)

// DefaultChunkSize is used by Writer when SetChunkSize is never called or
// called with 0.
const DefaultChunkSize = 4 << 20 // 4 MiB

const paxXattrPrefix = "SCHILY.xattr."

// countWriter wraps a io.Writer and tracks the exact number of bytes handed
// to it. It sits above the sink's own buffering (per the "counting writer"
// design note) so offsets reflect the true compressed byte count rather
// than whatever the bufio.Writer happens to have flushed so far.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer transcodes a tar stream into a stargz blob: one gzip member per
// tar entry (chunked for large regular files), followed by a TOC member
// and a 47-byte footer.
//
// A Writer is single-owner and not safe for concurrent use.
type Writer struct {
	bw  *bufio.Writer
	cw  *countWriter
	toc *JTOC

	chunkSize int64
	closed    bool

	diffHasher digest.Digester

	lastUIDName map[int]string
	lastGIDName map[int]string
}

// NewWriter wraps sink in a Writer. Callers own sink and must close it
// themselves after Close returns.
func NewWriter(sink io.Writer) *Writer {
	bw := bufio.NewWriterSize(sink, 32*1024)
	return &Writer{
		bw:          bw,
		cw:          &countWriter{w: bw},
		toc:         &JTOC{Version: 1},
		chunkSize:   DefaultChunkSize,
		diffHasher:  digest.Canonical.Digester(),
		lastUIDName: make(map[int]string),
		lastGIDName: make(map[int]string),
	}
}

// SetChunkSize sets the maximum uncompressed size of a regular file chunk.
// 0 restores the default (4 MiB). Must be called before AppendTar.
func (w *Writer) SetChunkSize(n int64) {
	if n <= 0 {
		n = DefaultChunkSize
	}
	w.chunkSize = n
}

// AppendTar ingests a tar stream, optionally gzip-compressed (detected by
// the 3-byte magic 1f 8b 08), and emits the corresponding stargz entries.
// Entries named stargz.index.json are silently dropped, so re-converting an
// already-stargz tar stream doesn't duplicate its TOC.
func (w *Writer) AppendTar(r io.Reader) error {
	if w.closed {
		return ErrInternalConsistency.WithDetail("reason", "AppendTar called after Close")
	}

	br := bufio.NewReader(r)
	magic, err := br.Peek(3)
	if err == nil && len(magic) == 3 && magic[0] == 0x1f && magic[1] == 0x8b && magic[2] == 0x08 {
		gr, err := gzip.NewReader(br)
		if err != nil {
			return wrapIO(err)
		}
		defer gr.Close()
		return w.appendTarFrom(tar.NewReader(gr))
	}
	return w.appendTarFrom(tar.NewReader(br))
}

func (w *Writer) appendTarFrom(tr *tar.Reader) error {
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return wrapIO(err)
		}
		if h.Name == TOCTarName {
			logger.Debug("dropping embedded %s from input tar", TOCTarName)
			continue
		}
		if err := w.appendEntry(tr, h); err != nil {
			return err
		}
	}
}

func mapTarType(flag byte) (EntryType, error) {
	switch flag {
	case tar.TypeReg, tar.TypeRegA, tar.TypeCont:
		return TypeReg, nil
	case tar.TypeLink:
		return TypeHardlink, nil
	case tar.TypeSymlink:
		return TypeSymlink, nil
	case tar.TypeDir:
		return TypeDir, nil
	case tar.TypeChar:
		return TypeChar, nil
	case tar.TypeBlock:
		return TypeBlock, nil
	case tar.TypeFifo:
		return TypeFifo, nil
	default:
		return "", ErrUnsupportedEntryType.WithDetail("typeflag", flag)
	}
}

// ownerName returns the username to record in the TOC for uid, suppressing
// it (returning "") when it is unchanged from the last owner name recorded
// for that same numeric id.
func ownerName(cache map[int]string, id int, name string) string {
	if cache[id] == name {
		return ""
	}
	cache[id] = name
	return name
}

func (w *Writer) appendEntry(tr *tar.Reader, h *tar.Header) error {
	typ, err := mapTarType(h.Typeflag)
	if err != nil {
		return err
	}

	entry := &TOCEntry{
		Name:     normalizeName(h.Name),
		Type:     typ,
		LinkName: h.Linkname,
		Mode:     h.Mode,
		UID:      h.Uid,
		GID:      h.Gid,
	}
	if typ == TypeDir && entry.Name != "" && entry.Name[len(entry.Name)-1] != '/' {
		entry.Name += "/"
	}
	if !h.ModTime.IsZero() {
		entry.ModTime3339 = h.ModTime.UTC().Format(time.RFC3339)
	}
	entry.UserName = ownerName(w.lastUIDName, h.Uid, h.Uname)
	entry.GroupName = ownerName(w.lastGIDName, h.Gid, h.Gname)
	if typ == TypeChar || typ == TypeBlock {
		entry.DevMajor = int(h.Devmajor)
		entry.DevMinor = int(h.Devminor)
	}
	if len(h.PAXRecords) > 0 {
		for k, v := range h.PAXRecords {
			if name, ok := cutPrefix(k, paxXattrPrefix); ok {
				if entry.Xattrs == nil {
					entry.Xattrs = make(map[string][]byte)
				}
				entry.Xattrs[name] = []byte(v)
				logger.Debug("captured xattr=%s on %s", name, entry.Name)
			}
		}
	}

	if typ == TypeReg && h.Size > 0 {
		entry.Size = h.Size
		return w.writeChunkedRegular(tr, h, entry)
	}

	hdrClone := *h
	hdrClone.Size = 0
	offset, err := w.writeGzipMember(&hdrClone, nil)
	if err != nil {
		return err
	}
	entry.Offset = offset
	w.toc.Entries = append(w.toc.Entries, entry)
	return nil
}

func (w *Writer) writeChunkedRegular(tr *tar.Reader, h *tar.Header, first *TOCEntry) error {
	size := h.Size
	fileHasher := digest.Canonical.Digester()

	var chunkOffset int64
	firstWritten := false
	for chunkOffset < size {
		remaining := size - chunkOffset
		chunkLen := w.chunkSize
		if chunkLen > remaining {
			chunkLen = remaining
		}
		isLast := chunkOffset+chunkLen == size

		buf := make([]byte, chunkLen)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return wrapIO(err)
		}
		fileHasher.Hash().Write(buf)

		var entry *TOCEntry
		if !firstWritten {
			entry = first
		} else {
			entry = &TOCEntry{
				Name:     first.Name,
				Type:     TypeChunk,
				LinkName: first.LinkName,
			}
		}
		entry.ChunkOffset = chunkOffset
		if isLast {
			entry.ChunkSize = 0
		} else {
			entry.ChunkSize = chunkLen
		}

		hdrClone := *h
		var offset int64
		var err error
		if !firstWritten && !isLast {
			// This member's header must declare the file's full size (step
			// 4 of the chunking algorithm), but its body is only this one
			// chunk's bytes; the remaining bytes live in later chunks'
			// members. tar.Writer.Flush refuses to finish a header with
			// bytes still outstanding, so this header+partial-body pair is
			// written without it.
			hdrClone.Size = size
			offset, err = w.writeGzipMemberPartial(&hdrClone, buf)
		} else {
			hdrClone.Size = chunkLen
			offset, err = w.writeGzipMember(&hdrClone, buf)
		}
		if err != nil {
			return err
		}
		entry.Offset = offset
		w.toc.Entries = append(w.toc.Entries, entry)

		chunkOffset += chunkLen
		firstWritten = true
	}

	first.Digest = fileHasher.Digest().String()
	return nil
}

// writeGzipMember writes one self-contained tar entry (header + body) as
// its own gzip member, returning the byte offset at which the member
// began. The same uncompressed bytes are fed into the running diff-ID
// hash so DiffID covers every chunk plus the TOC member.
func (w *Writer) writeGzipMember(h *tar.Header, body []byte) (int64, error) {
	offset := w.cw.n

	gw, err := gzip.NewWriterLevel(w.cw, gzip.BestSpeed)
	if err != nil {
		return 0, wrapIO(err)
	}
	tw := tar.NewWriter(io.MultiWriter(gw, w.diffHasher.Hash()))
	if err := tw.WriteHeader(h); err != nil {
		return 0, wrapIO(err)
	}
	if len(body) > 0 {
		if _, err := tw.Write(body); err != nil {
			return 0, wrapIO(err)
		}
	}
	if err := tw.Flush(); err != nil {
		return 0, wrapIO(err)
	}
	if err := gw.Close(); err != nil {
		return 0, wrapIO(err)
	}
	return offset, nil
}

// writeGzipMemberPartial writes a tar header whose declared size exceeds
// the body bytes actually present in this gzip member: the first chunk of
// a multi-chunk regular file, whose header carries the full logical size
// while this member only holds that chunk's bytes. archive/tar.Writer
// rejects this through its usual Write+Flush sequence (Flush errors
// unless every declared byte was written), so the header and partial body
// are written directly to the gzip stream and the member is closed
// without the block padding a complete entry would get.
func (w *Writer) writeGzipMemberPartial(h *tar.Header, body []byte) (int64, error) {
	offset := w.cw.n

	gw, err := gzip.NewWriterLevel(w.cw, gzip.BestSpeed)
	if err != nil {
		return 0, wrapIO(err)
	}
	tw := tar.NewWriter(io.MultiWriter(gw, w.diffHasher.Hash()))
	if err := tw.WriteHeader(h); err != nil {
		return 0, wrapIO(err)
	}
	if len(body) > 0 {
		if _, err := tw.Write(body); err != nil {
			return 0, wrapIO(err)
		}
	}
	if err := gw.Close(); err != nil {
		return 0, wrapIO(err)
	}
	return offset, nil
}

// DiffID returns sha256:<hex> of the uncompressed logical byte stream
// emitted so far: every entry's tar header and body, plus the TOC member
// once Close has written it.
func (w *Writer) DiffID() digest.Digest {
	return w.diffHasher.Digest()
}

// Close finalizes the blob: writes the TOC member, then the footer, then
// flushes. Idempotent; calling Close again is a no-op returning nil.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	tocOffset := w.cw.n

	tocJSON, err := marshalTOC(w.toc)
	if err != nil {
		return wrapIO(err)
	}

	hdr := &tar.Header{
		Name: TOCTarName,
		Mode: 0644,
		Size: int64(len(tocJSON)),
	}
	if _, err := w.writeGzipMemberWithExtra(hdr, tocJSON, "stargz.toc"); err != nil {
		return err
	}

	if _, err := w.cw.Write(EncodeFooter(tocOffset)); err != nil {
		return wrapIO(err)
	}
	if err := w.bw.Flush(); err != nil {
		return wrapIO(err)
	}
	w.closed = true
	return nil
}

// writeGzipMemberWithExtra is writeGzipMember plus a marker FEXTRA, used
// only for the TOC member so an archive inspector can spot it without
// decompressing. The marker is decorative; Reader.Open never requires it.
func (w *Writer) writeGzipMemberWithExtra(h *tar.Header, body []byte, extra string) (int64, error) {
	offset := w.cw.n

	gw, err := gzip.NewWriterLevel(w.cw, gzip.BestSpeed)
	if err != nil {
		return 0, wrapIO(err)
	}
	gw.Extra = []byte(extra)
	tw := tar.NewWriter(io.MultiWriter(gw, w.diffHasher.Hash()))
	if err := tw.WriteHeader(h); err != nil {
		return 0, wrapIO(err)
	}
	if len(body) > 0 {
		if _, err := tw.Write(body); err != nil {
			return 0, wrapIO(err)
		}
	}
	if err := tw.Flush(); err != nil {
		return 0, wrapIO(err)
	}
	if err := gw.Close(); err != nil {
		return 0, wrapIO(err)
	}
	return offset, nil
}

// cutPrefix reports whether s begins with prefix and, if so, returns the
// remainder. Unlike strings.CutPrefix it returns "" when prefix is absent.
func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
