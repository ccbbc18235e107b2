package kdf

import (
	"bytes"
	"testing"
)

func TestHKDFDeterministic(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	if _, err := HKDF([]byte("secret"), []byte("salt"), []byte("info"), a); err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if _, err := HKDF([]byte("secret"), []byte("salt"), []byte("info"), b); err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("HKDF output differs between identical calls")
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("7-cobalt-ember", []byte("salt"))
	if len(fp) != 32 {
		t.Fatalf("fingerprint length: got %d want 32", len(fp))
	}
	if fp != Fingerprint("7-cobalt-ember", []byte("salt")) {
		t.Fatalf("fingerprint not stable")
	}
	if fp == Fingerprint("8-cobalt-ember", []byte("salt")) {
		t.Fatalf("different codes share a fingerprint")
	}
	if fp == Fingerprint("7-cobalt-ember", []byte("other")) {
		t.Fatalf("salt does not change the fingerprint")
	}
}
