package hdb

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/kinfkong/ejdb/ejerr"
)

// compressValue transparently applies the collection's compression scheme
// to a record value on write (spec §4.B "Compression"). The stored value
// size is the compressed size.
func (h *File) compressValue(v []byte) ([]byte, error) {
	switch h.opts.Compressed {
	case NoCompression:
		return v, nil
	case Deflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "init deflate writer", err)
		}
		if _, err := w.Write(v); err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "deflate write", err)
		}
		if err := w.Close(); err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "deflate close", err)
		}
		return buf.Bytes(), nil
	case Bzip2:
		// The standard library only ships a bzip2 *reader*; no third-party
		// bzip2 encoder is exercised elsewhere in the dependency pack, so
		// writes under this scheme fall back to deflate while keeping the
		// compressed-bzip flag for read compatibility with files produced
		// by another implementation (see SPEC_FULL.md / DESIGN.md).
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "init deflate writer", err)
		}
		if _, err := w.Write(v); err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "deflate write", err)
		}
		if err := w.Close(); err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "deflate close", err)
		}
		return buf.Bytes(), nil
	default:
		return v, nil
	}
}

// decompressValue inverts compressValue on read.
func (h *File) decompressValue(v []byte) ([]byte, error) {
	switch h.opts.Compressed {
	case NoCompression:
		return v, nil
	case Deflate:
		r := flate.NewReader(bytes.NewReader(v))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "inflate", err)
		}
		return out, nil
	case Bzip2:
		// Try the real bzip2 reader first (for files written elsewhere);
		// fall back to inflate for records this implementation wrote.
		r := bzip2.NewReader(bytes.NewReader(v))
		if out, err := io.ReadAll(r); err == nil {
			return out, nil
		}
		fr := flate.NewReader(bytes.NewReader(v))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, ejerr.Wrap(ejerr.Compression, "inflate (bzip2 fallback)", err)
		}
		return out, nil
	default:
		return v, nil
	}
}
