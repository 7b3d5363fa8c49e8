// Package cache remembers verification verdicts by the content hash of the
// class file they were computed for and the hierarchy they were computed
// against, so unchanged classes are not verified again. Verdicts are CBOR-encoded for the file and SQL backends.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/jverify/verifier"
)

var log = commonlog.GetLogger("jverify.cache")

var (
	ErrNotFound       = errors.New("verdict not found")
	ErrUnknownBackend = errors.New("unknown cache backend")
)

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendCBOR   = "cbor"
	BackendSQLite = "sqlite"
)

// Key is the SHA-256 of a class file's bytes and the fingerprint of the
// hierarchy it was verified against.
type Key [32]byte

// KeyOf hashes class file bytes under scope, usually
// hierarchy.Registry.Fingerprint. The same bytes verified against a
// different classpath or in lenient mode get a different key.
func KeyOf(data []byte, scope [32]byte) Key {
	h := sha256.New()
	h.Write(scope[:])
	h.Write(data)
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Verdict is the stored outcome of verifying one class. Resolution errors
// are never cached: they depend on the classpath, not on the class bytes.
type Verdict struct {
	Class   string             `cbor:"1,keyasint"`
	OK      bool               `cbor:"2,keyasint"`
	Skipped bool               `cbor:"3,keyasint,omitempty"`
	Methods int                `cbor:"4,keyasint,omitempty"`
	Kind    verifier.ErrorKind `cbor:"5,keyasint,omitempty"`
	Message string             `cbor:"6,keyasint,omitempty"`
	Method  string             `cbor:"7,keyasint,omitempty"`
	Created int64              `cbor:"8,keyasint"` // unix seconds
}

// NewVerdict builds a verdict from the return values of verifier.Verify.
// It reports false when err is not a verification failure and so must not
// be cached.
func NewVerdict(res *verifier.Result, err error) (*Verdict, bool) {
	v := &Verdict{Created: time.Now().Unix()}
	if res != nil {
		v.Class = res.Class
		v.Skipped = res.Skipped
		v.Methods = res.Methods
	}
	if err == nil {
		v.OK = true
		return v, true
	}
	f, ok := verifier.AsFailure(err)
	if !ok {
		return nil, false
	}
	if f.Class != "" {
		v.Class = f.Class
	}
	v.Kind = f.Kind
	v.Message = f.Message
	v.Method = f.Method
	return v, true
}

// Err rebuilds the failure a negative verdict stands for. The error context
// is not stored, so the failure carries no details.
func (v *Verdict) Err() error {
	if v.OK {
		return nil
	}
	return &verifier.Failure{Kind: v.Kind, Message: v.Message, Class: v.Class, Method: v.Method}
}

// Result rebuilds the verifier result of a verdict.
func (v *Verdict) Result() *verifier.Result {
	return &verifier.Result{Class: v.Class, Methods: v.Methods, Skipped: v.Skipped}
}

// Store persists verdicts. Implementations are safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound when no verdict is stored for key.
	Get(key Key) (*Verdict, error)
	Put(key Key, v *Verdict) error
	Close() error
}

// Open creates the store for a backend name. BackendNone yields a nil
// store and no error.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendCBOR:
		return OpenFileStore(path)
	case BackendSQLite:
		return OpenSQLStore(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

// ---------------------------------------------------------------------------
// CBOR encoding
// ---------------------------------------------------------------------------

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// MarshalVerdict serializes a verdict to canonical CBOR.
func MarshalVerdict(v *Verdict) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalVerdict deserializes a verdict from CBOR.
func UnmarshalVerdict(data []byte) (*Verdict, error) {
	var v Verdict
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("cache: unmarshal verdict: %w", err)
	}
	return &v, nil
}
