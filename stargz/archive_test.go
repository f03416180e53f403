package stargz

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"
)

// tarFile describes one entry to write with buildTar. Zero Typeflag means
// regular file.
type tarFile struct {
	Name       string
	Typeflag   byte
	Body       []byte
	Mode       int64
	Uid        int
	Gid        int
	Uname      string
	Gname      string
	Linkname   string
	PAXRecords map[string]string
	ModTime    time.Time
}

// buildTar writes files as a plain (uncompressed) tar stream.
func buildTar(t *testing.T, files []tarFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		typeflag := f.Typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
			if typeflag == tar.TypeDir {
				mode = 0755
			}
		}
		modTime := f.ModTime
		if modTime.IsZero() {
			modTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		h := &tar.Header{
			Name:       f.Name,
			Typeflag:   typeflag,
			Size:       int64(len(f.Body)),
			Mode:       mode,
			Uid:        f.Uid,
			Gid:        f.Gid,
			Uname:      f.Uname,
			Gname:      f.Gname,
			Linkname:   f.Linkname,
			ModTime:    modTime,
			PAXRecords: f.PAXRecords,
		}
		if typeflag == tar.TypeDir || typeflag == tar.TypeSymlink || typeflag == tar.TypeLink {
			h.Size = 0
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("WriteHeader(%s): %v", f.Name, err)
		}
		if len(f.Body) > 0 {
			if _, err := tw.Write(f.Body); err != nil {
				t.Fatalf("Write body(%s): %v", f.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	return buf.Bytes()
}

// buildStargz runs files through a Writer and returns the resulting blob
// plus its diff-ID.
func buildStargz(t *testing.T, files []tarFile, chunkSize int64) ([]byte, string) {
	t.Helper()

	var out bytes.Buffer
	w := NewWriter(&out)
	if chunkSize > 0 {
		w.SetChunkSize(chunkSize)
	}
	if err := w.AppendTar(bytes.NewReader(buildTar(t, files))); err != nil {
		t.Fatalf("AppendTar: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return out.Bytes(), w.DiffID().String()
}

// readerBytes opens a Reader over an in-memory blob.
func readerBytes(t *testing.T, blob []byte) *Reader {
	t.Helper()
	r, err := Open(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}
