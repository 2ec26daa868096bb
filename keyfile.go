package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var keyMagic = []byte("MKEY1") // header of a passphrase-sealed key file

// kdf derives a 32B key from passphrase and salt using Argon2id.
// m=64 MiB, t=2, p=1.
func kdf(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// loadOrCreateKey loads the long-term private key from path, generating
// and persisting a fresh one on first run. With a passphrase the file is
// sealed as MAGIC|salt|nonce|ct; without, it holds the raw 32 bytes.
func loadOrCreateKey(path, pass string) ([32]byte, error) {
	var priv [32]byte
	if _, err := os.Stat(path); err == nil {
		b, err := os.ReadFile(path)
		if err != nil {
			return priv, err
		}
		return decodeKeyFile(b, pass)
	}
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, err
	}
	blob, err := encodeKeyFile(priv, pass)
	if err != nil {
		return priv, err
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return priv, err
	}
	log.Printf("[crypto] created key file %s", path)
	return priv, nil
}

func encodeKeyFile(priv [32]byte, pass string) ([]byte, error) {
	if pass == "" {
		return priv[:], nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := kdf([]byte(pass), salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, priv[:], nil)
	out := make([]byte, 0, len(keyMagic)+len(salt)+len(nonce)+len(ct))
	out = append(out, keyMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func decodeKeyFile(blob []byte, pass string) ([32]byte, error) {
	var priv [32]byte
	if len(blob) == 32 && string(blob[:len(keyMagic)]) != string(keyMagic) {
		copy(priv[:], blob)
		return priv, nil
	}
	min := len(keyMagic) + 16 + chacha20poly1305.NonceSizeX + macSize
	if len(blob) < min || string(blob[:len(keyMagic)]) != string(keyMagic) {
		return priv, errors.New("unrecognized key file format")
	}
	if pass == "" {
		return priv, errors.New("key file is passphrase protected, supply --key-pass")
	}
	offset := len(keyMagic)
	salt := blob[offset : offset+16]
	offset += 16
	nonce := blob[offset : offset+chacha20poly1305.NonceSizeX]
	offset += chacha20poly1305.NonceSizeX
	ct := blob[offset:]

	key := kdf([]byte(pass), salt)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return priv, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return priv, errors.New("key file decrypt failed (wrong pass?)")
	}
	if len(plain) != 32 {
		return priv, fmt.Errorf("invalid key size %d in key file", len(plain))
	}
	copy(priv[:], plain)
	return priv, nil
}
