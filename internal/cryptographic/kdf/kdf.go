package kdf

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const fingerprintInfo = "pylon code fingerprint"

// HKDF fills buffer with key material derived from secret using HKDF-SHA256.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Fingerprint derives a stable, non-reversible identifier for a wormhole code
// so that stores and logs never hold the code itself.
func Fingerprint(code string, salt []byte) string {
	buf := make([]byte, 16)
	if _, err := HKDF([]byte(code), salt, []byte(fingerprintInfo), buf); err != nil {
		// hkdf only fails past 255*HashLen bytes of output
		panic(err)
	}
	return hex.EncodeToString(buf)
}
