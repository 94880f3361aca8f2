package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

var errCannotOpen = errors.New("cannot decrypt secret: wrong key or corrupted value")

func secretKey(key string) *[32]byte {
	k := sha256.Sum256([]byte(key))
	return &k
}

// SealSecret encrypts plain with a key derived from the app secret key.
// The result is base64 (nonce || box) so it can be stored in a text column.
func SealSecret(key, plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", errors.Wrap(err, "reading nonce")
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, secretKey(key))
	return base64.StdEncoding.EncodeToString(box), nil
}

// OpenSecret is the inverse of SealSecret.
func OpenSecret(key, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.Wrap(err, "decoding secret")
	}
	if len(raw) < 24 {
		return "", errCannotOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, secretKey(key))
	if !ok {
		return "", errCannotOpen
	}
	return string(plain), nil
}
