// Package zvc describes a versioned storage engine for chunked arrays.
package zvc

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// ObjectID is the content address of an object: the blake3 hash of its bytes.
type ObjectID [32]byte

// Zero is the zero value of an ObjectID.
var Zero ObjectID

// Hash computes the ObjectID of a byte sequence.
func Hash(b []byte) ObjectID {
	return blake3.Sum256(b)
}

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero tells whether id is the zero ObjectID.
func (id ObjectID) IsZero() bool {
	return id == Zero
}

func (id ObjectID) Less(other ObjectID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// FromHex parses a hex-encoded ObjectID into id.
func (id *ObjectID) FromHex(s string) error {
	if len(s) != 2*len(id) {
		return errors.New("wrong length")
	}
	_, err := hex.Decode(id[:], []byte(s))
	return err
}

func IDFromBytes(b []byte) ObjectID {
	var out ObjectID
	copy(out[:], b)
	return out
}

func IDFromHex(s string) (ObjectID, error) {
	var out ObjectID
	err := out.FromHex(s)
	return out, err
}
