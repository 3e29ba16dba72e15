// Package bson provides the document model used throughout the engine: a
// 12-byte object identifier (OID), dotted-path lookup/mutation over
// bson.D/bson.M trees, BSON type-ordered comparison, and RFC 6901/7386
// patch application. Wire encode/decode is delegated to
// go.mongodb.org/mongo-driver/bson so the on-disk and on-the-wire bytes are
// byte-for-byte compatible with real MongoDB drivers, the same contract the
// teacher wrapper leans on the official driver for.
package bson

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"
	"time"

	officialBson "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// OID is the 12-byte object identifier described in spec.md §3: 4-byte
// big-endian unix seconds, 3-byte machine hash, 2-byte process id, 3-byte
// monotonic counter.
type OID [12]byte

var (
	machineID  [3]byte
	pid        [2]byte
	oidCounter uint32
)

func init() {
	hostname, _ := os.Hostname()
	sum := crc32.ChecksumIEEE([]byte(hostname))
	machineID[0] = byte(sum)
	machineID[1] = byte(sum >> 8)
	machineID[2] = byte(sum >> 16)

	p := os.Getpid()
	pid[0] = byte(p)
	pid[1] = byte(p >> 8)

	var seed [3]byte
	if _, err := rand.Read(seed[:]); err == nil {
		oidCounter = uint32(seed[0])<<16 | uint32(seed[1])<<8 | uint32(seed[2])
	}
	if s := os.Getenv("EJDB_RND_SEED"); s != "" {
		var v uint32
		if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
			oidCounter = v
		}
	}
}

// NewOID generates a fresh, globally-unique-within-process object id.
func NewOID() OID {
	var o OID
	binary.BigEndian.PutUint32(o[0:4], uint32(time.Now().Unix()))
	copy(o[4:7], machineID[:])
	copy(o[7:9], pid[:])
	c := atomic.AddUint32(&oidCounter, 1) & 0x00FFFFFF
	o[9] = byte(c >> 16)
	o[10] = byte(c >> 8)
	o[11] = byte(c)
	return o
}

// OIDFromHex parses a 24-hex-digit ASCII representation of an OID.
func OIDFromHex(s string) (OID, error) {
	var o OID
	if len(s) != 24 {
		return o, fmt.Errorf("bson: invalid OID hex length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return o, fmt.Errorf("bson: invalid OID hex: %w", err)
	}
	copy(o[:], b)
	return o, nil
}

// IsValidOIDHex reports whether s is a well-formed 24-hex-digit OID string.
func IsValidOIDHex(s string) bool {
	_, err := OIDFromHex(s)
	return err == nil
}

func (o OID) Hex() string { return hex.EncodeToString(o[:]) }

func (o OID) String() string { return fmt.Sprintf("ObjectId(%q)", o.Hex()) }

func (o OID) IsZero() bool { return o == OID{} }

// Time returns the embedded creation timestamp.
func (o OID) Time() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(o[0:4])), 0).UTC()
}

// MarshalBSONValue implements bson.ValueMarshaler so an OID round-trips as
// wire subtype 0x07 (object-id), matching the teacher's conversion boundary
// between legacy bson.ObjectId and primitive.ObjectID.
func (o OID) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bsontype.ObjectID, append([]byte(nil), o[:]...), nil
}

// UnmarshalBSONValue implements bson.ValueUnmarshaler.
func (o *OID) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t != bsontype.ObjectID || len(data) != 12 {
		return fmt.Errorf("bson: cannot unmarshal %v into OID", t)
	}
	copy(o[:], data)
	return nil
}

var (
	_ officialBson.ValueMarshaler   = OID{}
	_ officialBson.ValueUnmarshaler = (*OID)(nil)
)
