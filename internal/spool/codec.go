package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the on-disk encoding of an exported spool.
type Codec string

const (
	CodecRaw    Codec = "raw"
	CodecZstd   Codec = "zstd"
	CodecGzip   Codec = "gzip"
	CodecLZ4    Codec = "lz4"
	CodecSnappy Codec = "snappy"
)

// CodecForPath picks a codec from the file extension. Unknown extensions
// are written raw.
func CodecForPath(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CodecZstd
	case ".gz":
		return CodecGzip
	case ".lz4":
		return CodecLZ4
	case ".sz", ".snappy":
		return CodecSnappy
	default:
		return CodecRaw
	}
}

// Save copies the current content of sink to path, encoded per its
// extension. The sink keeps accepting appends afterwards.
func Save(sink Sink, path string) error {
	data, err := sink.ReadAll()
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

// WriteFile writes data to path, encoded per its extension.
func WriteFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("spool: save %s: %w", path, err)
	}
	if err := encode(f, CodecForPath(path), data); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: save %s: %w", path, err)
	}
	return f.Close()
}

// Load reads a file written by Save and returns the decoded bytes.
func Load(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spool: load %s: %w", path, err)
	}
	defer f.Close()
	data, err := decode(f, CodecForPath(path))
	if err != nil {
		return nil, fmt.Errorf("spool: load %s: %w", path, err)
	}
	return data, nil
}

func encode(w io.Writer, codec Codec, data []byte) error {
	var enc io.WriteCloser
	switch codec {
	case CodecZstd:
		z, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		enc = z
	case CodecGzip:
		enc = gzip.NewWriter(w)
	case CodecLZ4:
		enc = lz4.NewWriter(w)
	case CodecSnappy:
		enc = snappy.NewBufferedWriter(w)
	default:
		_, err := w.Write(data)
		return err
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func decode(r io.Reader, codec Codec) ([]byte, error) {
	switch codec {
	case CodecZstd:
		z, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer z.Close()
		return io.ReadAll(z)
	case CodecGzip:
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer g.Close()
		return io.ReadAll(g)
	case CodecLZ4:
		return io.ReadAll(lz4.NewReader(r))
	case CodecSnappy:
		return io.ReadAll(snappy.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}
