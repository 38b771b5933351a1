package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/gowebpki/jcs"
)

// linkDomain separates entry digests from any other SHA-256 use.
const linkDomain = "certledger/entry/v1"

// Canonicalize returns the RFC 8785 (JCS) encoding of a JSON payload: object
// keys sorted by UTF-16 code units, no insignificant whitespace, ECMAScript
// number formatting. Two producers serialising the same value differently get
// identical bytes.
func Canonicalize(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	out, err := jcs.Transform(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

// PayloadDigest is the hex SHA-256 of the payload's canonical encoding.
func PayloadDigest(payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return sha256Sum(canonical), nil
}

// Link computes an entry digest. It is a pure function of its arguments: every
// field is length-prefixed, so distinct argument tuples never share an input.
func Link(payloadDigest, previousDigest string, seq uint64, scope string) string {
	h := sha256.New()
	writeField(h, []byte(linkDomain))
	writeField(h, []byte(scope))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	writeField(h, n[:])
	writeField(h, []byte(previousDigest))
	writeField(h, []byte(payloadDigest))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
