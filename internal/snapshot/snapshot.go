// Package snapshot encodes the dataset to a durable file and decodes it
// on startup. The container is a magic header followed by a zstd stream
// of length-prefixed key/value pairs; payloads round-trip byte-exact.
// TTL state is intentionally not persisted: reloaded keys are immortal.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// magic identifies a snapshot file; the trailing byte is the format version.
var magic = [4]byte{'R', 'K', 'V', 1}

// ErrBadSnapshot is returned when a file is not a decodable snapshot.
var ErrBadSnapshot = errors.New("snapshot: corrupt or unrecognized file")

// Write encodes entries to path atomically: the payload goes to a
// sibling .tmp file which is fsynced and renamed over path, so a crash
// leaves either the previous snapshot or the new one, never a partial.
func Write(path string, entries map[string][]byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if err := encode(f, entries); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmp)
		return fmt.Errorf("snapshot close: %w", err)
	}
	f = nil
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("snapshot rename: %w", err)
	}
	return nil
}

func encode(w io.Writer, entries map[string][]byte) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return fmt.Errorf("snapshot header: %w", err)
	}
	zw, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("snapshot compressor: %w", err)
	}
	var lenbuf [binary.MaxVarintLen64]byte
	writeChunk := func(b []byte) error {
		n := binary.PutUvarint(lenbuf[:], uint64(len(b)))
		if _, err := zw.Write(lenbuf[:n]); err != nil {
			return err
		}
		_, err := zw.Write(b)
		return err
	}
	n := binary.PutUvarint(lenbuf[:], uint64(len(entries)))
	if _, err := zw.Write(lenbuf[:n]); err != nil {
		return fmt.Errorf("snapshot count: %w", err)
	}
	for k, v := range entries {
		if err := writeChunk([]byte(k)); err != nil {
			return fmt.Errorf("snapshot key: %w", err)
		}
		if err := writeChunk(v); err != nil {
			return fmt.Errorf("snapshot value: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot compressor close: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("snapshot flush: %w", err)
	}
	return nil
}

// Read decodes the snapshot at path. A missing file yields an empty map
// and no error; a file that exists but does not decode yields
// ErrBadSnapshot so the caller can log and start empty.
func Read(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("snapshot open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return decode(bufio.NewReader(f))
}

func decode(r io.Reader) (map[string][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadSnapshot)
	}
	if hdr != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: entry count", ErrBadSnapshot)
	}
	readChunk := func() ([]byte, error) {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	entries := make(map[string][]byte, count)
	for i := uint64(0); i < count; i++ {
		k, err := readChunk()
		if err != nil {
			return nil, fmt.Errorf("%w: key %d", ErrBadSnapshot, i)
		}
		v, err := readChunk()
		if err != nil {
			return nil, fmt.Errorf("%w: value %d", ErrBadSnapshot, i)
		}
		entries[string(k)] = v
	}
	return entries, nil
}
