// Package format defines the persisted form of snapshots, nodes, manifest shards, and refs.
//
// Every structured object is a frame:
// the four-byte magic "ZVC1",
// one byte of object kind,
// one byte of schema version,
// one byte naming the compression applied to the rest,
// and then a msgpack payload.
//
// Payloads never contain Go maps,
// so identical content always encodes to identical bytes
// and therefore to an identical content address.
package format

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/bobg/zvc"
)

// Kind identifies the type of object in a frame.
type Kind byte

const (
	SnapshotKind  Kind = 1
	NodeKind      Kind = 2
	ShardKind     Kind = 3
	RefKind       Kind = 4
	ChangeSetKind Kind = 5
)

func (k Kind) String() string {
	switch k {
	case SnapshotKind:
		return "snapshot"
	case NodeKind:
		return "node"
	case ShardKind:
		return "shard"
	case RefKind:
		return "ref"
	case ChangeSetKind:
		return "changeset"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Version is the newest schema version this package reads and the one it writes.
const Version = 1

const (
	magic      = "ZVC1"
	headerSize = len(magic) + 3

	compressNone byte = 0
	compressZstd byte = 1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("format: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("format: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode produces a frame holding obj.
// When compress is true and compression makes the payload smaller,
// the payload is zstd-compressed.
func Encode(kind Kind, obj interface{}, compress bool) ([]byte, error) {
	payload, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", kind)
	}
	comp := compressNone
	if compress {
		if z := zstdEncoder.EncodeAll(payload, nil); len(z) < len(payload) {
			payload, comp = z, compressZstd
		}
	}
	buf := make([]byte, 0, headerSize+len(payload))
	buf = append(buf, magic...)
	buf = append(buf, byte(kind), Version, comp)
	return append(buf, payload...), nil
}

// Decode parses a frame of the given kind into obj.
// A malformed frame or payload yields a *zvc.ObjectError matching zvc.ErrCorruption,
// and a frame from a newer schema yields one matching zvc.ErrSchemaVersion.
// The error's Key is empty;
// callers that know where the bytes came from fill it in.
func Decode(data []byte, kind Kind, obj interface{}) error {
	if len(data) < headerSize || !bytes.HasPrefix(data, []byte(magic)) {
		return corrupt("bad frame header")
	}
	hdr := data[len(magic):headerSize]
	if got := Kind(hdr[0]); got != kind {
		return corrupt(fmt.Sprintf("got %s, want %s", got, kind))
	}
	switch v := hdr[1]; {
	case v == 0:
		return corrupt("schema version 0")
	case v > Version:
		return &zvc.ObjectError{
			Kind:   zvc.ErrSchemaVersion,
			Detail: fmt.Sprintf("%s has schema version %d, newest supported is %d", kind, v, Version),
		}
	}

	payload := data[headerSize:]
	switch hdr[2] {
	case compressNone:
	case compressZstd:
		var err error
		payload, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return corrupt("decompressing: " + err.Error())
		}
	default:
		return corrupt(fmt.Sprintf("unknown compression %d", hdr[2]))
	}

	if err := msgpack.Unmarshal(payload, obj); err != nil {
		return corrupt(fmt.Sprintf("decoding %s: %s", kind, err))
	}
	return nil
}

func corrupt(detail string) error {
	return &zvc.ObjectError{Kind: zvc.ErrCorruption, Detail: detail}
}

// WithKey fills in the Key of err if it is a *zvc.ObjectError.
func WithKey(err error, key string) error {
	var oerr *zvc.ObjectError
	if errors.As(err, &oerr) && oerr.Key == "" {
		oerr.Key = key
	}
	return err
}
