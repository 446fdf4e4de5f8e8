package auditchain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// HashSize is the length of every chain hash.
const HashSize = 32

const blake3DomainKey = "factora.audit.chain"

// Hasher computes the chain hash over canonical event bytes.
type Hasher interface {
	Name() string
	Sum(data []byte) []byte
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return "sha256" }

func (sha256Hasher) Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// blake3Hasher is keyed with a fixed domain key so chain hashes can never be
// confused with plain BLAKE3 digests of the same bytes.
type blake3Hasher struct {
	key [32]byte
}

func newBlake3Hasher() blake3Hasher {
	var h blake3Hasher
	copy(h.key[:], blake3DomainKey)
	return h
}

func (blake3Hasher) Name() string { return "blake3" }

func (b blake3Hasher) Sum(data []byte) []byte {
	h, err := blake3.NewKeyed(b.key[:])
	if err != nil {
		// key length is fixed at HashSize
		panic(err)
	}
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// NewHasher returns the hasher for algorithm ("sha256" or "blake3").
func NewHasher(algorithm string) (Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256", "sha-256":
		return sha256Hasher{}, nil
	case "blake3":
		return newBlake3Hasher(), nil
	default:
		return nil, fmt.Errorf("unsupported audit hash algorithm %q", algorithm)
	}
}

var (
	snapshotEncoder = mustEncMode()
	snapshotDecoder = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// EncodeSnapshot serializes a record snapshot as core deterministic CBOR.
// A nil snapshot encodes to zero bytes.
func EncodeSnapshot(snapshot map[string]any) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	b, err := snapshotEncoder.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := snapshotDecoder.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// CanonicalTime is the timestamp form that is both stored and hashed.
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalBytes lays out every hashed field of e, length-prefixed, in a
// fixed order. prevHash is passed separately so verification can link each
// event to the preceding event's stored hash.
func CanonicalBytes(e *Event, prevHash []byte) []byte {
	ts := CanonicalTime(e.Timestamp).Format(time.RFC3339Nano)
	principal := ""
	if !e.PrincipalID.IsNil() {
		principal = e.PrincipalID.String()
	}

	buf := make([]byte, 0, 128+len(e.Before)+len(e.After))
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	buf = appendField(buf, []byte(e.EntityType))
	buf = appendField(buf, []byte(e.EntityID))
	buf = appendField(buf, []byte(e.Action))
	buf = appendField(buf, []byte(principal))
	buf = appendField(buf, e.Before)
	buf = appendField(buf, e.After)
	buf = appendField(buf, []byte(ts))
	buf = appendField(buf, prevHash)
	return buf
}

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}
