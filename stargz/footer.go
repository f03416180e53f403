package stargz

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strconv"
)

// FooterSize is the fixed size, in bytes, of the stargz trailer: a valid,
// empty gzip member whose FEXTRA field smuggles the TOC's byte offset.
//
// The footer codec is pinned to the standard library's compress/gzip
// (rather than the klauspost/compress/gzip used elsewhere in this package)
// because its output must be byte-identical on every run for the footer
// round-trip property in spec §8 to hold, and compress/gzip's header
// encoding is the one this format's FEXTRA layout was defined against.
const FooterSize = 47

const footerExtraMagic = "STARGZ"

// EncodeFooter renders the 47-byte footer for a TOC stored at tocOffset.
func EncodeFooter(tocOffset int64) []byte {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.NoCompression)
	if err != nil {
		// NoCompression is always a valid level; this can't happen.
		panic(err)
	}
	gw.Extra = []byte(fmt.Sprintf("%016x%s", tocOffset, footerExtraMagic))
	if err := gw.Close(); err != nil {
		panic(err)
	}
	if buf.Len() != FooterSize {
		panic(fmt.Sprintf("stargz: encoded footer is %d bytes, want %d", buf.Len(), FooterSize))
	}
	return buf.Bytes()
}

// DecodeFooter parses a 47-byte footer and returns the TOC offset it
// encodes.
func DecodeFooter(p []byte) (tocOffset int64, err error) {
	if len(p) != FooterSize {
		return 0, ErrBadFooter.WithDetail("length", len(p))
	}
	gr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return 0, ErrBadFooter.WithCause(err)
	}
	defer gr.Close()

	extra := gr.Header.Extra
	if len(extra) != 16+len(footerExtraMagic) {
		return 0, ErrBadFooter.WithDetail("extraLength", len(extra))
	}
	if string(extra[16:]) != footerExtraMagic {
		return 0, ErrBadFooter.WithDetail("reason", "missing STARGZ marker")
	}
	v, err := strconv.ParseUint(string(extra[:16]), 16, 64)
	if err != nil {
		return 0, ErrBadFooter.WithCause(err)
	}
	return int64(v), nil
}
