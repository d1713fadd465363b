// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/rastsh/rast-go/transport"
)

// envelopeVersion is prepended to every sealed envelope and bound as
// AEAD additional data, so tampering with it fails authentication.
const envelopeVersion byte = 0x01

// sealedOverhead is the fixed byte overhead per sealed envelope:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const sealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoEnvelope is the HKDF domain-separation tag for the envelope
// key. Changing it invalidates all traffic with older daemons.
var hkdfInfoEnvelope = []byte("rast.session.envelope.v1")

// Cipher is the session's authenticated-encryption codec. The envelope
// key is derived from the shared 32-byte auth token with HKDF-SHA256;
// the token itself never encrypts traffic directly.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the envelope key from the auth token. The token is
// received by value and not retained.
func NewCipher(token [transport.TokenSize]byte) (*Cipher, error) {
	reader := hkdf.New(sha256.New, token[:], nil, hkdfInfoEnvelope)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving envelope key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into the sealed envelope format:
//
//	[version: 1 byte] [nonce: 24 bytes, random] [ciphertext+tag]
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := make([]byte, 1+chacha20poly1305.NonceSizeX, sealedOverhead+len(plaintext))
	sealed[0] = envelopeVersion
	copy(sealed[1:], nonce[:])
	return c.aead.Seal(sealed, nonce[:], plaintext, []byte{envelopeVersion}), nil
}

// Open decrypts a sealed envelope, verifying the version byte and the
// authentication tag.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealedOverhead {
		return nil, fmt.Errorf("sealed envelope is %d bytes, minimum is %d", len(sealed), sealedOverhead)
	}
	if sealed[0] != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte{envelopeVersion})
	if err != nil {
		return nil, fmt.Errorf("envelope authentication failed: %w", err)
	}
	return plaintext, nil
}
