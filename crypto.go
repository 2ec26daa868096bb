package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrCrypto covers every failure of the crypto layer: AEAD/MAC failure,
// key decode failure, unknown peer key. All of them abort the session.
var ErrCrypto = errors.New("crypto failure")

const (
	saltSize          = 128
	keyDerivationInfo = "KeyDerivation"
	macSize           = 16
)

// sessionKey holds the per-connection key material for one peer. Each
// direction has its own 32-byte key and its own monotonic counter, so no
// (key, nonce) pair is ever used twice.
type sessionKey struct {
	sendKey   []byte
	recvKey   []byte
	sendCount uint64
	recvCount uint64
}

// CryptoHandler owns the long-term X25519 keypair and the per-peer
// session keys. The process-wide handler keeps long-term state; sessions
// work on derived per-connection handlers that share identity and
// allow-list but hold only the freshly-agreed key.
type CryptoHandler struct {
	mu      sync.Mutex
	priv    [32]byte
	pub     [32]byte
	allowed []string
	keys    map[string]*sessionKey
}

func newCryptoHandler(priv [32]byte) (*CryptoHandler, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	h := &CryptoHandler{priv: priv, keys: make(map[string]*sessionKey)}
	copy(h.pub[:], pub)
	return h, nil
}

func encodeHex(b []byte) string { return hex.EncodeToString(b) }

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrCrypto
	}
	return b, nil
}

func generateSalt() []byte {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return salt
}

// PublicKey returns the hex-encoded public half, the node identity.
func (h *CryptoHandler) PublicKey() string {
	return encodeHex(h.pub[:])
}

func (h *CryptoHandler) AddAllowedKey(pubKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowed = append(h.allowed, pubKey)
}

func (h *CryptoHandler) isAllowed(pubKey string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	for _, k := range h.allowed {
		if k == pubKey {
			return true
		}
	}
	return false
}

// TrustKey agrees on session key material with the given peer using the
// salt. initiator must be true on the connecting side and false on the
// accepting side so both ends assign the per-direction keys
// consistently. Idempotent per peer: a second call while a key is
// already recorded succeeds without replacing it.
func (h *CryptoHandler) TrustKey(pubKey, salt string, initiator bool) bool {
	if !h.isAllowed(pubKey) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.keys[pubKey]; ok {
		return true
	}
	sess, err := h.deriveSessionKey(pubKey, salt, initiator)
	if err != nil {
		logDebug("[crypto] key agreement with %.16s failed: %v", pubKey, err)
		return false
	}
	h.keys[pubKey] = sess
	return true
}

// deriveSessionKey runs X25519 and reads 64 bytes of HKDF output: the
// first half keys the initiator-to-responder direction, the second half
// the reverse. Both ends read the same stream and pick their halves by
// role.
func (h *CryptoHandler) deriveSessionKey(pubKey, salt string, initiator bool) (*sessionKey, error) {
	peer, err := decodeHex(pubKey)
	if err != nil || len(peer) != 32 {
		return nil, ErrCrypto
	}
	saltBytes, err := decodeHex(salt)
	if err != nil {
		return nil, ErrCrypto
	}
	shared, err := curve25519.X25519(h.priv[:], peer)
	if err != nil {
		return nil, ErrCrypto
	}
	kdf := hkdf.New(sha256.New, shared, saltBytes, []byte(keyDerivationInfo))
	material := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, ErrCrypto
	}
	toResponder := material[:chacha20poly1305.KeySize]
	toInitiator := material[chacha20poly1305.KeySize:]
	if initiator {
		return &sessionKey{sendKey: toResponder, recvKey: toInitiator}, nil
	}
	return &sessionKey{sendKey: toInitiator, recvKey: toResponder}, nil
}

// Derive returns a new handler holding only the session key freshly
// agreed for this connection. Identity and allow-list are shared.
func (h *CryptoHandler) Derive(pubKey, salt string, initiator bool) (*CryptoHandler, error) {
	if !h.isAllowed(pubKey) {
		return nil, ErrCrypto
	}
	sess, err := h.deriveSessionKey(pubKey, salt, initiator)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	allowed := append([]string(nil), h.allowed...)
	h.mu.Unlock()
	return &CryptoHandler{
		priv:    h.priv,
		pub:     h.pub,
		allowed: allowed,
		keys:    map[string]*sessionKey{pubKey: sess},
	}, nil
}

// nonceFromCount builds the 12-byte nonce: LE64(count) padded with four
// zero bytes.
func nonceFromCount(count uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, count)
	return nonce
}

// Encrypt seals plain under the send key for pubKey, consuming the
// current send counter. aad is authenticated alongside the ciphertext.
func (h *CryptoHandler) Encrypt(pubKey string, plain []byte, aad string) (*EncryptionWrapper, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.keys[pubKey]
	if !ok {
		return nil, ErrCrypto
	}
	aead, err := chacha20poly1305.New(sess.sendKey)
	if err != nil {
		return nil, ErrCrypto
	}
	count := sess.sendCount
	sess.sendCount++
	sealed := aead.Seal(nil, nonceFromCount(count), plain, []byte(aad))
	return &EncryptionWrapper{
		CipherText: sealed[:len(plain)],
		MAC:        sealed[len(plain):],
		Count:      count,
		AAD:        aad,
	}, nil
}

// Decrypt opens a wrapper, rebuilding the nonce from the counter the
// wrapper carries, and records the peer's counter. Authentication
// failure is a hard error; there is no retry.
func (h *CryptoHandler) Decrypt(pubKey string, w *EncryptionWrapper) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.keys[pubKey]
	if !ok || len(w.MAC) != macSize {
		return nil, ErrCrypto
	}
	aead, err := chacha20poly1305.New(sess.recvKey)
	if err != nil {
		return nil, ErrCrypto
	}
	sealed := make([]byte, 0, len(w.CipherText)+len(w.MAC))
	sealed = append(sealed, w.CipherText...)
	sealed = append(sealed, w.MAC...)
	plain, err := aead.Open(nil, nonceFromCount(w.Count), sealed, []byte(w.AAD))
	if err != nil {
		return nil, ErrCrypto
	}
	if w.Count >= sess.recvCount {
		sess.recvCount = w.Count + 1
	}
	return plain, nil
}

// SealChunk encrypts one file chunk as raw ciphertext||tag, consuming
// the current send counter. Chunk counters advance lock-step on both
// ends, so no counter travels with the frame.
func (h *CryptoHandler) SealChunk(pubKey string, plain []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.keys[pubKey]
	if !ok {
		return nil, ErrCrypto
	}
	aead, err := chacha20poly1305.New(sess.sendKey)
	if err != nil {
		return nil, ErrCrypto
	}
	count := sess.sendCount
	sess.sendCount++
	return aead.Seal(nil, nonceFromCount(count), plain, nil), nil
}

// OpenChunk decrypts one raw ciphertext||tag chunk frame at the current
// receive counter.
func (h *CryptoHandler) OpenChunk(pubKey string, frame []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.keys[pubKey]
	if !ok || len(frame) < macSize {
		return nil, ErrCrypto
	}
	aead, err := chacha20poly1305.New(sess.recvKey)
	if err != nil {
		return nil, ErrCrypto
	}
	plain, err := aead.Open(nil, nonceFromCount(sess.recvCount), frame, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	sess.recvCount++
	return plain, nil
}

// SetCounter resyncs the receive counter for pubKey to what the peer
// advertised in cleartext. Only list replies use this; chunk frames
// advance lock-step.
func (h *CryptoHandler) SetCounter(pubKey string, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.keys[pubKey]; ok {
		sess.recvCount = count
	}
}
