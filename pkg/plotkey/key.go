// Package plotkey wraps the BLS12-381 G1 public keys embedded in plot
// files (farmer key, pool key, plot public key) and the pool contract
// puzzle hash that can stand in for a pool key.
package plotkey

import (
	"bytes"
	"encoding/hex"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
)

// G1 is a compressed BLS12-381 G1 public key, 48 bytes on the wire.
type G1 struct {
	raw [48]byte
}

// FromBytes parses a compressed G1 point. It does not require the
// point to be on-curve beyond what gnark-crypto's Unmarshal checks,
// matching the Prover Adapter's contract of trusting the header it
// parsed.
func FromBytes(b []byte) (G1, error) {
	var k G1
	if len(b) != len(k.raw) {
		return G1{}, fmt.Errorf("plotkey: want %d bytes, got %d", len(k.raw), len(b))
	}
	copy(k.raw[:], b)
	var p bls12381.G1Affine
	if err := p.Unmarshal(b); err != nil {
		return G1{}, fmt.Errorf("plotkey: invalid G1 point: %w", err)
	}
	return k, nil
}

// Bytes returns the 48-byte compressed form.
func (k G1) Bytes() [48]byte { return k.raw }

// Equal reports whether two keys encode the same point.
func (k G1) Equal(other G1) bool { return bytes.Equal(k.raw[:], other.raw[:]) }

// IsZero reports whether k is the zero value (no key set).
func (k G1) IsZero() bool { return k == G1{} }

func (k G1) String() string { return hex.EncodeToString(k.raw[:]) }

// GobEncode/GobDecode let a G1 round-trip through encoding/gob despite
// its backing array being unexported; the cache store persists entries
// this way (see pkg/plotcache).
func (k G1) GobEncode() ([]byte, error) {
	return append([]byte(nil), k.raw[:]...), nil
}

func (k *G1) GobDecode(b []byte) error {
	if len(b) != len(k.raw) {
		return fmt.Errorf("plotkey: GobDecode: want %d bytes, got %d", len(k.raw), len(b))
	}
	copy(k.raw[:], b)
	return nil
}

// List is an allow-list of public keys with O(1) membership tests,
// keyed by compressed byte form. Allow-lists are replaced wholesale
// (plotmanager.SetPublicKeys), so construction cost is paid once per
// replacement in exchange for a cheap Contains on every admission
// check.
type List struct {
	keys []G1
	set  map[[48]byte]struct{}
}

// NewList builds a List from an ordered slice of keys.
func NewList(keys []G1) List {
	l := List{
		keys: append([]G1(nil), keys...),
		set:  make(map[[48]byte]struct{}, len(keys)),
	}
	for _, k := range keys {
		l.set[k.raw] = struct{}{}
	}
	return l
}

// Contains reports whether k is present in the allow-list.
func (l List) Contains(k G1) bool {
	if len(l.set) == 0 {
		return false
	}
	_, ok := l.set[k.raw]
	return ok
}

// Len reports the number of keys in the list.
func (l List) Len() int { return len(l.keys) }

// Keys returns the ordered slice of keys backing this list. Callers
// must not mutate the returned slice.
func (l List) Keys() []G1 { return l.keys }

// PuzzleHash is a 32-byte pool-contract puzzle hash, used in place of
// a pool public key when a plot pays out to a pooling contract.
type PuzzleHash [32]byte

func (h PuzzleHash) String() string { return hex.EncodeToString(h[:]) }
