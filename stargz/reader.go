package stargz

import (
	"archive/tar"
	"bytes"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/flaneur2020/stargz-core/stargz/logger"
)

// Reader parses a stargz footer and TOC and builds the in-memory directory
// index that serves Lookup, ChunkEntryForOffset and OpenFile.
//
// After Open returns, a Reader's methods are safe for concurrent use
// provided the underlying source supports concurrent positioned reads.
type Reader struct {
	source io.ReaderAt
	size   int64
	toc    *JTOC

	m      map[string]*TOCEntry
	chunks map[string][]*TOCEntry
}

// Open parses the footer and TOC of source (size bytes long) and builds
// the index. source must support ReadAt with no shared cursor.
func Open(source io.ReaderAt, size int64) (*Reader, error) {
	if size < FooterSize {
		return nil, ErrTooSmall.WithDetail("size", size)
	}

	footerBuf := make([]byte, FooterSize)
	if _, err := source.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, wrapIO(err)
	}
	tocOffset, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	tocSize := size - FooterSize - tocOffset
	if tocOffset < 0 || tocSize <= 0 {
		return nil, ErrBadFooter.WithDetail("tocOffset", tocOffset)
	}
	tocRegion := make([]byte, tocSize)
	if _, err := source.ReadAt(tocRegion, tocOffset); err != nil {
		return nil, wrapIO(err)
	}

	toc, err := readTOCMember(tocRegion)
	if err != nil {
		return nil, err
	}

	r := &Reader{source: source, size: size, toc: toc}
	if err := r.buildIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func readTOCMember(gzippedTar []byte) (*JTOC, error) {
	gr, err := gzip.NewReader(bytes.NewReader(gzippedTar))
	if err != nil {
		return nil, ErrBadTOC.WithCause(err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	h, err := tr.Next()
	if err == io.EOF {
		return nil, ErrBadTOC.WithDetail("reason", "TOC tar stream is empty")
	}
	if err != nil {
		return nil, ErrBadTOC.WithCause(err)
	}
	if h.Name != TOCTarName {
		return nil, ErrUnexpectedTOCName.WithDetail("name", h.Name)
	}

	body, err := io.ReadAll(tr)
	if err != nil {
		return nil, ErrBadTOC.WithCause(err)
	}
	toc, err := unmarshalTOC(body)
	if err != nil {
		return nil, ErrBadTOC.WithCause(err)
	}
	return toc, nil
}

// buildIndex runs the four-pass index build described in spec §4.5.
func (r *Reader) buildIndex() error {
	r.m = make(map[string]*TOCEntry)
	r.chunks = make(map[string][]*TOCEntry)

	if err := r.pass1NormalizeAndClassify(); err != nil {
		return err
	}
	if err := r.pass2LinkParentsAndHardlinks(); err != nil {
		return err
	}
	r.pass3BackfillNextOffset()
	r.pass4RebuildChunks()
	return nil
}

func (r *Reader) pass1NormalizeAndClassify() error {
	var (
		lastRegSize int64
		lastPath    string
		uidNames    = make(map[int]string)
		gidNames    = make(map[int]string)
	)

	for _, e := range r.toc.Entries {
		e.Name = normalizeName(e.Name)

		if e.Type == TypeChunk {
			e.Name = lastPath
			if e.ChunkSize == 0 {
				e.ChunkSize = lastRegSize - e.ChunkOffset
			}
			continue
		}

		if e.UserName != "" {
			uidNames[e.UID] = e.UserName
		} else if name, ok := uidNames[e.UID]; ok {
			e.UserName = name
		}
		if e.GroupName != "" {
			gidNames[e.GID] = e.GroupName
		} else if name, ok := gidNames[e.GID]; ok {
			e.GroupName = name
		}

		if e.ModTime3339 != "" {
			if t, err := time.Parse(time.RFC3339, e.ModTime3339); err == nil {
				e.modTime = t
			}
		}

		key := e.Name
		if e.Type == TypeDir {
			key = stripTrailingSlash(e.Name)
		}
		r.m[key] = e
		lastPath = e.Name

		if e.Type == TypeReg {
			lastRegSize = e.Size
			if e.ChunkSize > 0 && e.ChunkSize < e.Size {
				r.chunks[e.Name] = []*TOCEntry{e}
			}
		}
		if e.ChunkSize == 0 && e.Size != 0 {
			e.ChunkSize = e.Size
		}
	}
	return nil
}

func (r *Reader) pass2LinkParentsAndHardlinks() error {
	for _, e := range r.toc.Entries {
		if e.Type == TypeChunk {
			continue
		}

		if e.Type == TypeHardlink {
			targetKey := stripTrailingSlash(normalizeName(e.LinkName))
			target, ok := r.m[targetKey]
			if !ok {
				return ErrDanglingHardlink.WithDetail("name", e.Name).WithDetail("linkName", e.LinkName)
			}
			target.numLink++
			e.target = target

			clean := stripTrailingSlash(e.Name)
			parent := r.getOrCreateDir(parentDir(clean))
			parent.addChild(target, baseName(clean))
			continue
		}

		e.numLink++
		clean := stripTrailingSlash(e.Name)
		if clean == "" {
			continue // root has no parent to attach to
		}
		parent := r.getOrCreateDir(parentDir(clean))
		parent.addChild(e, baseName(clean))
	}
	return nil
}

// getOrCreateDir returns the TOCEntry for dir, a clean (no trailing slash)
// directory path, materializing it and every missing ancestor up to the
// root ("") as an implicit mode-0755 directory.
func (r *Reader) getOrCreateDir(dir string) *TOCEntry {
	if e, ok := r.m[dir]; ok {
		return e
	}
	e := &TOCEntry{Name: dir, Type: TypeDir, Mode: 0755, numLink: 2}
	r.m[dir] = e
	if dir != "" {
		parent := r.getOrCreateDir(parentDir(dir))
		parent.addChild(e, baseName(dir))
	}
	return e
}

func (r *Reader) pass3BackfillNextOffset() {
	lastOffset := r.size
	entries := r.toc.Entries
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.isDataType() {
			e.nextOffset = lastOffset
		}
		if e.Offset != 0 {
			lastOffset = e.Offset
		}
	}
}

func (r *Reader) pass4RebuildChunks() {
	r.chunks = make(map[string][]*TOCEntry)
	for _, e := range r.toc.Entries {
		if e.isDataType() {
			r.chunks[e.Name] = append(r.chunks[e.Name], e)
		}
	}
}

func stripTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// Version returns the TOC schema version (1).
func (r *Reader) Version() int { return r.toc.Version }

// Entries returns every TOC entry in tar order. Callers must not mutate the
// returned entries.
func (r *Reader) Entries() []*TOCEntry { return r.toc.Entries }

// Lookup returns the entry for path, resolving one hop through a hardlink
// if the named entry is one.
func (r *Reader) Lookup(path string) (*TOCEntry, bool) {
	key := stripTrailingSlash(normalizeName(path))
	e, ok := r.m[key]
	if !ok {
		return nil, false
	}
	if e.Type == TypeHardlink && e.target != nil {
		return e.target, true
	}
	return e, true
}

// ChunkEntryForOffset locates the chunk of name's regular file that
// contains byte offset off.
func (r *Reader) ChunkEntryForOffset(name string, off int64) (*TOCEntry, bool) {
	if off < 0 {
		return nil, false
	}
	name = stripTrailingSlash(normalizeName(name))
	if e, ok := r.m[name]; ok && e.Type == TypeHardlink && e.target != nil {
		name = e.target.Name
	}
	chunks := r.chunks[name]
	return chunkForOffset(chunks, off)
}

func chunkForOffset(chunks []*TOCEntry, off int64) (*TOCEntry, bool) {
	if len(chunks) == 0 {
		return nil, false
	}
	if len(chunks) == 1 {
		c := chunks[0]
		if off < c.ChunkSize {
			return c, true
		}
		return nil, false
	}
	idx := sort.Search(len(chunks), func(i int) bool { return chunks[i].ChunkOffset >= off })
	if idx == len(chunks) || chunks[idx].ChunkOffset > off {
		if idx == 0 {
			return nil, false
		}
		idx--
	}
	c := chunks[idx]
	if c.ChunkOffset <= off && off < c.ChunkOffset+c.ChunkSize {
		return c, true
	}
	return nil, false
}

// OpenFile returns a random-access reader for the named regular file.
func (r *Reader) OpenFile(name string) (*FileReader, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, ErrNotFound.WithDetail("name", name)
	}
	if e.Type != TypeReg {
		return nil, ErrNotRegular.WithDetail("name", name).WithDetail("type", string(e.Type))
	}
	chunks := r.chunks[e.Name]
	logger.Debug("opening %s: %d chunk(s), size=%d", e.Name, len(chunks), e.Size)
	return NewFileReader(r.source, chunks, e.Size), nil
}
