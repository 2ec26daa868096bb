package main

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestPair(t *testing.T) (*CryptoHandler, *CryptoHandler) {
	t.Helper()
	var privA, privB [32]byte
	if _, err := rand.Read(privA[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(privB[:]); err != nil {
		t.Fatal(err)
	}
	a, err := newCryptoHandler(privA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newCryptoHandler(privB)
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func newTestSession(t *testing.T) (*CryptoHandler, *CryptoHandler, string, string) {
	t.Helper()
	a, b := newTestPair(t)
	salt := encodeHex(generateSalt())
	da, err := a.Derive(b.PublicKey(), salt, true)
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.Derive(a.PublicKey(), salt, false)
	if err != nil {
		t.Fatal(err)
	}
	return da, db, a.PublicKey(), b.PublicKey()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)

	plain := []byte("the quick brown fox")
	w, err := da.Encrypt(pubB, plain, "some aad")
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.Decrypt(pubA, w)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: %q != %q", got, plain)
	}
	if w.AAD != "some aad" {
		t.Fatalf("aad not carried: %q", w.AAD)
	}
	if len(w.MAC) != macSize {
		t.Fatalf("mac size %d", len(w.MAC))
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)
	plain := []byte("payload payload payload")

	cases := []struct {
		name   string
		mutate func(*EncryptionWrapper)
	}{
		{"ciphertext", func(w *EncryptionWrapper) { w.CipherText[0] ^= 1 }},
		{"mac", func(w *EncryptionWrapper) { w.MAC[0] ^= 1 }},
		{"aad", func(w *EncryptionWrapper) { w.AAD = "other" }},
		{"count", func(w *EncryptionWrapper) { w.Count++ }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := da.Encrypt(pubB, plain, "aad")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(w)
			if _, err := db.Decrypt(pubA, w); err == nil {
				t.Fatal("tampered wrapper decrypted")
			}
		})
	}
}

func TestCountersStrictlyIncrease(t *testing.T) {
	da, _, _, pubB := newTestSession(t)

	w1, err := da.Encrypt(pubB, []byte("one"), "")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := da.Encrypt(pubB, []byte("two"), "")
	if err != nil {
		t.Fatal(err)
	}
	if w1.Count == w2.Count {
		t.Fatal("two encrypts consumed the same counter")
	}
	if w2.Count != w1.Count+1 {
		t.Fatalf("counter not monotonic: %d then %d", w1.Count, w2.Count)
	}
}

func TestDirectionsUseDistinctKeys(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)

	// both sides encrypt at counter 0; the frames must not be mutually
	// decryptable as own traffic
	wa, err := da.Encrypt(pubB, []byte("from a"), "")
	if err != nil {
		t.Fatal(err)
	}
	wb, err := db.Encrypt(pubA, []byte("from b"), "")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(wa.CipherText, wb.CipherText) {
		t.Fatal("directions produced identical ciphertext")
	}
	if _, err := db.Decrypt(pubA, wa); err != nil {
		t.Fatalf("a->b failed: %v", err)
	}
	if _, err := da.Decrypt(pubB, wb); err != nil {
		t.Fatalf("b->a failed: %v", err)
	}
}

func TestChunkLockStep(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)

	chunks := [][]byte{[]byte("first"), []byte("second"), []byte("")}
	for i, chunk := range chunks {
		frame, err := da.SealChunk(pubB, chunk)
		if err != nil {
			t.Fatal(err)
		}
		got, err := db.OpenChunk(pubA, frame)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if !bytes.Equal(got, chunk) {
			t.Fatalf("chunk %d mismatch", i)
		}
	}
}

func TestChunkTamperAborts(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)
	frame, err := da.SealChunk(pubB, []byte("chunk data"))
	if err != nil {
		t.Fatal(err)
	}
	frame[3] ^= 1
	if _, err := db.OpenChunk(pubA, frame); err == nil {
		t.Fatal("tampered chunk accepted")
	}
}

func TestTrustKeyIdempotent(t *testing.T) {
	a, b := newTestPair(t)
	salt := encodeHex(generateSalt())
	if !a.TrustKey(b.PublicKey(), salt, true) {
		t.Fatal("first trust failed")
	}
	otherSalt := encodeHex(generateSalt())
	if !a.TrustKey(b.PublicKey(), otherSalt, true) {
		t.Fatal("second trust not idempotent")
	}
}

func TestAllowListRejectsUnknownKeys(t *testing.T) {
	a, b := newTestPair(t)
	a.AddAllowedKey("deadbeef")
	salt := encodeHex(generateSalt())
	if a.TrustKey(b.PublicKey(), salt, true) {
		t.Fatal("key not on allow-list was trusted")
	}
	if _, err := a.Derive(b.PublicKey(), salt, true); err == nil {
		t.Fatal("derive for unlisted key succeeded")
	}
	a.AddAllowedKey(b.PublicKey())
	if !a.TrustKey(b.PublicKey(), salt, true) {
		t.Fatal("allow-listed key rejected")
	}
}

func TestTrustKeyRejectsGarbage(t *testing.T) {
	a, _ := newTestPair(t)
	salt := encodeHex(generateSalt())
	if a.TrustKey("not hex", salt, true) {
		t.Fatal("garbage key trusted")
	}
	if a.TrustKey("abcd", salt, true) {
		t.Fatal("short key trusted")
	}
}

func TestSetCounterResync(t *testing.T) {
	da, db, pubA, pubB := newTestSession(t)

	// advance the sender a few messages ahead
	for i := 0; i < 3; i++ {
		if _, err := da.Encrypt(pubB, []byte("x"), ""); err != nil {
			t.Fatal(err)
		}
	}
	frame, err := da.SealChunk(pubB, []byte("resynced"))
	if err != nil {
		t.Fatal(err)
	}
	// without resync the receiver expects counter 0 and must fail
	if _, err := db.OpenChunk(pubA, append([]byte(nil), frame...)); err == nil {
		t.Fatal("chunk at wrong counter accepted")
	}
	db.SetCounter(pubA, 3)
	if _, err := db.OpenChunk(pubA, frame); err != nil {
		t.Fatalf("resynced chunk failed: %v", err)
	}
}

func TestNonceFromCount(t *testing.T) {
	n := nonceFromCount(1)
	if len(n) != 12 {
		t.Fatalf("nonce length %d", len(n))
	}
	if n[0] != 1 {
		t.Fatal("counter not little-endian encoded")
	}
	for _, b := range n[8:] {
		if b != 0 {
			t.Fatal("nonce padding not zero")
		}
	}
}
