// Package security holds the small cryptographic helpers shared by the
// controller and the authnz manager: database id obfuscation and secret
// file management.
package security

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blowfish"
)

const idPad = '!'

// ErrMalformedID is returned when an encoded id cannot be decoded.
var ErrMalformedID = errors.New("malformed encoded id")

// IDEncoder turns sequential database ids into opaque hex strings so that
// internal row ids never leave the service.
type IDEncoder struct {
	cipher *blowfish.Cipher
}

// NewIDEncoder builds an encoder keyed by secret (1 to 56 bytes).
func NewIDEncoder(secret []byte) (*IDEncoder, error) {
	c, err := blowfish.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("id encoder: %w", err)
	}
	return &IDEncoder{cipher: c}, nil
}

// Encode left-pads the decimal id with '!' to a whole number of blocks,
// encrypts every block and returns lowercase hex. A length that is already a
// multiple of the block size still receives a full block of padding.
func (e *IDEncoder) Encode(id int64) string {
	s := []byte(strconv.FormatInt(id, 10))
	padLen := blowfish.BlockSize - len(s)%blowfish.BlockSize
	plain := append(bytes.Repeat([]byte{idPad}, padLen), s...)

	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += blowfish.BlockSize {
		e.cipher.Encrypt(out[i:i+blowfish.BlockSize], plain[i:i+blowfish.BlockSize])
	}
	return hex.EncodeToString(out)
}

// Decode reverses Encode.
func (e *IDEncoder) Decode(encoded string) (int64, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) == 0 || len(raw)%blowfish.BlockSize != 0 {
		return 0, ErrMalformedID
	}

	plain := make([]byte, len(raw))
	for i := 0; i < len(raw); i += blowfish.BlockSize {
		e.cipher.Decrypt(plain[i:i+blowfish.BlockSize], raw[i:i+blowfish.BlockSize])
	}

	id, err := strconv.ParseInt(string(bytes.TrimLeft(plain, string(idPad))), 10, 64)
	if err != nil {
		return 0, ErrMalformedID
	}
	return id, nil
}
