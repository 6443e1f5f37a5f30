// Package cache defines the storage contract for computed text vectors and the
// content-addressed keys that identify them.
//
// A Backend maps keys to vectors. Keys are derived from a [Namespace] (model
// and dimension) and the exact bytes of a text, so identical content always
// maps to the identical key and vectors from different namespaces never mix.
//
// Two key granularities exist:
//
//   - per-text keys ([TextKeys]), used by backends that support partial hits
//     inside a batch (pgvector, memory, tiered);
//   - batch keys ([BatchKey]), used by backends that store a whole batch as
//     one unit and report themselves through [WholeBatch] (filestore).
//
// Backends must be safe for concurrent LoadMany/SaveMany calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable marks a cache backend that could not be reached or read.
	// Callers must fail closed on it rather than treating every key as a miss.
	ErrUnavailable = errors.New("cache: backend unavailable")

	// ErrWrite marks a failed persistence attempt, including a length mismatch
	// between keys and vectors. It is never fatal to an encode call.
	ErrWrite = errors.New("cache: write failed")
)

// Backend is the storage contract shared by every cache variant.
type Backend interface {
	// LoadMany returns one slot per key in key order. A nil slot means the key
	// is absent. Missing keys are never an error; an error wrapping
	// ErrUnavailable is returned only when the backend cannot be read.
	LoadMany(ctx context.Context, keys []Key) ([][]float32, error)

	// SaveMany persists vectors[i] under keys[i]. len(keys) must equal
	// len(vectors). Failures wrap ErrWrite.
	SaveMany(ctx context.Context, keys []Key, vectors [][]float32) error
}

// WholeBatch is implemented by backends whose unit of storage is an entire
// ordered batch rather than a single text. For such backends a load is
// all-or-nothing and a save must carry the complete batch.
type WholeBatch interface {
	Backend
	WholeBatch() bool
}

// IsWholeBatch reports whether b stores whole batches.
func IsWholeBatch(b Backend) bool {
	wb, ok := b.(WholeBatch)
	return ok && wb.WholeBatch()
}

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Clearer is implemented by backends that support dropping every entry of
// their namespace.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Closer is implemented by backends that hold resources such as a
// connection pool.
type Closer interface {
	Close()
}

// Namespace identifies a family of comparable vectors. Changing either the
// model or the dimension yields a new namespace.
type Namespace struct {
	Model      string
	Dimensions int
}

// String returns the canonical form "model@dims".
func (n Namespace) String() string {
	return n.Model + "@" + strconv.Itoa(n.Dimensions)
}

// Validate reports whether n can derive keys.
func (n Namespace) Validate() error {
	if n.Model == "" {
		return fmt.Errorf("cache: namespace model must not be empty")
	}
	if n.Dimensions <= 0 {
		return fmt.Errorf("cache: namespace dimensions must be positive, got %d", n.Dimensions)
	}
	return nil
}

// textencRoot is the UUIDv5 root under which every namespace UUID is derived.
var textencRoot = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/MrWong99/textenc/cache"))

// UUID returns the deterministic UUIDv5 of the namespace.
func (n Namespace) UUID() uuid.UUID {
	return uuid.NewSHA1(textencRoot, []byte(n.String()))
}

// Key identifies one cached vector.
type Key struct {
	// ID is the content-derived identifier used for lookup.
	ID string
	// Source is the original text. Backends may store it for auditing; it is
	// never used for lookup.
	Source string
}

// TextKey derives the per-text key of text under ns.
func TextKey(ns Namespace, text string) Key {
	return textKey(ns.UUID(), text)
}

// TextKeys derives per-text keys for texts, one per position.
func TextKeys(ns Namespace, texts []string) []Key {
	root := ns.UUID()
	keys := make([]Key, len(texts))
	for i, t := range texts {
		keys[i] = textKey(root, t)
	}
	return keys
}

func textKey(root uuid.UUID, text string) Key {
	return Key{ID: uuid.NewSHA1(root, []byte(text)).String(), Source: text}
}

// BatchKey returns the hex SHA-256 of the ordered key IDs, each prefixed with
// its length. Since every ID already encodes the namespace and the text, the
// result identifies (namespace, ordered texts) and distinguishes ["ab","c"]
// from ["a","bc"].
func BatchKey(keys []Key) string {
	h := sha256.New()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(keys)))
	h.Write(lenBuf[:])
	for _, k := range keys {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(k.ID)))
		h.Write(lenBuf[:])
		h.Write([]byte(k.ID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckSave validates the SaveMany precondition.
func CheckSave(keys []Key, vectors [][]float32) error {
	if len(keys) != len(vectors) {
		return fmt.Errorf("%w: %d keys but %d vectors", ErrWrite, len(keys), len(vectors))
	}
	for i, v := range vectors {
		if v == nil {
			return fmt.Errorf("%w: nil vector at index %d", ErrWrite, i)
		}
	}
	return nil
}

// CloneVector returns a copy of v, or nil for nil.
func CloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
