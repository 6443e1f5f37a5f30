// Package filestore implements a batch-keyed cache that persists one flat
// binary file per batch.
//
// The file name is the [cache.BatchKey] of the batch's ordered per-text keys,
// so a load is all-or-nothing: either the exact batch was stored before and
// every vector is returned, or every slot is absent. This suits small static
// corpora that are re-encoded with identical batch boundaries.
//
// File layout (little endian):
//
//	magic   [4]byte "TXV1"
//	rows    uint32
//	dims    uint32
//	data    rows*dims float32
package filestore

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/textenc/pkg/cache"
)

const fileExt = ".vec"

var magic = [4]byte{'T', 'X', 'V', '1'}

// errCorrupt marks a file that does not follow the expected layout.
var errCorrupt = errors.New("filestore: corrupt file")

var (
	_ cache.WholeBatch = (*Store)(nil)
	_ cache.Pinger     = (*Store)(nil)
	_ cache.Clearer    = (*Store)(nil)
)

// Store is a directory of batch files. It is safe for concurrent use: writes
// go to a temporary file that is renamed into place, so readers never observe
// a partial file.
type Store struct {
	dir string
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// WholeBatch implements [cache.WholeBatch].
func (s *Store) WholeBatch() bool { return true }

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(keys []cache.Key) string {
	return filepath.Join(s.dir, cache.BatchKey(keys)+fileExt)
}

// LoadMany implements [cache.Backend]. A corrupt or mismatching file is
// reported as a miss so that the next save replaces it.
func (s *Store) LoadMany(ctx context.Context, keys []cache.Key) ([][]float32, error) {
	slots := make([][]float32, len(keys))
	if len(keys) == 0 {
		return slots, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path(keys)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return slots, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: filestore: open %s: %v", cache.ErrUnavailable, path, err)
	}
	defer f.Close()

	vecs, err := readVectors(bufio.NewReader(f))
	if err != nil {
		if errors.Is(err, errCorrupt) {
			slog.Warn("filestore: ignoring unreadable batch file", "path", path, "err", err)
			return slots, nil
		}
		return nil, fmt.Errorf("%w: filestore: read %s: %v", cache.ErrUnavailable, path, err)
	}
	if len(vecs) != len(keys) {
		slog.Warn("filestore: batch file row count mismatch", "path", path, "rows", len(vecs), "keys", len(keys))
		return slots, nil
	}
	return vecs, nil
}

// SaveMany implements [cache.Backend]. keys must describe the complete batch.
func (s *Store) SaveMany(ctx context.Context, keys []cache.Key, vectors [][]float32) error {
	if err := cache.CheckSave(keys, vectors); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: filestore: %v", cache.ErrWrite, err)
	}

	final := s.path(keys)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*"+fileExt)
	if err != nil {
		return fmt.Errorf("%w: filestore: create temp file: %v", cache.ErrWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	if err := writeVectors(w, vectors); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: filestore: %v", cache.ErrWrite, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: filestore: flush: %v", cache.ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: filestore: close: %v", cache.ErrWrite, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("%w: filestore: rename: %v", cache.ErrWrite, err)
	}
	return nil
}

// Ping implements [cache.Pinger] by checking that the directory exists.
func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("%w: filestore: %v", cache.ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: filestore: %s is not a directory", cache.ErrUnavailable, s.dir)
	}
	return nil
}

// Clear implements [cache.Clearer] by removing every batch file in the
// directory. Unrelated files are left alone.
func (s *Store) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore: clear: %w", err)
	}
	var errs []error
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	slog.Info("filestore: cleared", "dir", s.dir, "files", removed)
	if len(errs) > 0 {
		return fmt.Errorf("filestore: clear: %w", errors.Join(errs...))
	}
	return nil
}

func writeVectors(w io.Writer, vectors [][]float32) error {
	dims := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("ragged batch: vector %d has %d dims, want %d", i, len(v), dims)
		}
	}
	if len(vectors) > math.MaxUint32 || dims > math.MaxUint32 {
		return fmt.Errorf("batch too large: %d x %d", len(vectors), dims)
	}

	var hdr [12]byte
	copy(hdr[:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(dims))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, 4*dims)
	for _, v := range vectors {
		for j, f := range v {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(f))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// maxElements bounds allocations driven by a file header.
const maxElements = 1 << 28

func readVectors(r io.Reader) ([][]float32, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, readErr("header", err)
	}
	if [4]byte(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", errCorrupt, hdr[:4])
	}
	rows := int(binary.LittleEndian.Uint32(hdr[4:8]))
	dims := int(binary.LittleEndian.Uint32(hdr[8:12]))
	if rows == 0 || dims == 0 || rows*dims > maxElements {
		return nil, fmt.Errorf("%w: implausible shape %dx%d", errCorrupt, rows, dims)
	}

	out := make([][]float32, rows)
	buf := make([]byte, 4*dims)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, readErr(fmt.Sprintf("row %d", i), err)
		}
		v := make([]float32, dims)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		out[i] = v
	}
	return out, nil
}

// readErr classifies a short read as corruption and passes other I/O failures
// through.
func readErr(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s truncated", errCorrupt, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}
