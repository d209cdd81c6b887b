// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/hostwright/hostwright/lib/secret"
)

// hybridVersion is the version byte prepended to every hybrid blob.
// Included as additional authenticated data in the AEAD call, so
// tampering with the version causes authentication failure.
const hybridVersion byte = 0x01

// hkdfInfo is the HKDF-SHA256 domain-separation string. Changing it
// invalidates all existing ciphertext.
var hkdfInfo = []byte("hostwright.sealed.v1")

// Blob layout: version(1) || ephemeral public key(32) || nonce(24) ||
// AEAD ciphertext. The symmetric key is derived as
// HKDF-SHA256(secret=X25519(ephemeral, recipient),
// salt=ephemeralPub||recipientPub, info=hkdfInfo).
const (
	hybridKeySize    = curve25519.ScalarSize
	hybridNonceSize  = chacha20poly1305.NonceSizeX
	hybridHeaderSize = 1 + curve25519.PointSize + hybridNonceSize
)

// generateHybridKeypair creates an X25519 keypair with the private
// scalar in guarded memory.
func generateHybridKeypair() (*Keypair, error) {
	privateKey, err := secret.New(hybridKeySize)
	if err != nil {
		return nil, fmt.Errorf("sealed: allocating hybrid private key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, privateKey.Bytes()); err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("sealed: generating hybrid private key: %w", err)
	}

	publicPoint, err := curve25519.X25519(privateKey.Bytes(), curve25519.Basepoint)
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("sealed: deriving hybrid public key: %w", err)
	}

	publicKey := base64.StdEncoding.EncodeToString(publicPoint)
	return &Keypair{
		Algorithm:  AlgorithmHybrid,
		KeyID:      KeyID(AlgorithmHybrid, publicKey),
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// hybridEncrypt seals plaintext to a base64 X25519 public key using an
// ephemeral key agreement and XChaCha20-Poly1305.
func hybridEncrypt(publicKey string, plaintext []byte) (string, error) {
	recipientPoint, err := decodeHybridPublicKey(publicKey)
	if err != nil {
		return "", err
	}

	ephemeralScalar := make([]byte, hybridKeySize)
	if _, err := io.ReadFull(rand.Reader, ephemeralScalar); err != nil {
		return "", fmt.Errorf("sealed: generating ephemeral key: %w", err)
	}
	defer secret.Zero(ephemeralScalar)

	ephemeralPoint, err := curve25519.X25519(ephemeralScalar, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("sealed: deriving ephemeral public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(ephemeralScalar, recipientPoint)
	if err != nil {
		return "", fmt.Errorf("sealed: key agreement: %w", err)
	}
	defer secret.Zero(sharedSecret)

	aead, err := deriveHybridAEAD(sharedSecret, ephemeralPoint, recipientPoint)
	if err != nil {
		return "", err
	}

	blob := make([]byte, hybridHeaderSize, hybridHeaderSize+len(plaintext)+aead.Overhead())
	blob[0] = hybridVersion
	copy(blob[1:], ephemeralPoint)
	nonce := blob[1+curve25519.PointSize : hybridHeaderSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("sealed: generating nonce: %w", err)
	}

	blob = aead.Seal(blob, nonce, plaintext, []byte{hybridVersion})
	return base64.StdEncoding.EncodeToString(blob), nil
}

// hybridDecrypt opens a base64 hybrid blob with the private scalar and
// returns the plaintext in guarded memory.
//
// The private key is borrowed and NOT closed by this function.
func hybridDecrypt(privateKey *secret.Buffer, ciphertext string) (*secret.Buffer, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding base64 ciphertext: %w", err)
	}
	if len(blob) < hybridHeaderSize {
		return nil, fmt.Errorf("sealed: ciphertext too short: %d bytes", len(blob))
	}
	if blob[0] != hybridVersion {
		return nil, fmt.Errorf("sealed: unsupported blob version %#x", blob[0])
	}

	ephemeralPoint := blob[1 : 1+curve25519.PointSize]
	nonce := blob[1+curve25519.PointSize : hybridHeaderSize]
	sealedPayload := blob[hybridHeaderSize:]

	recipientPoint, err := curve25519.X25519(privateKey.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("sealed: deriving recipient public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(privateKey.Bytes(), ephemeralPoint)
	if err != nil {
		return nil, fmt.Errorf("sealed: key agreement: %w", err)
	}
	defer secret.Zero(sharedSecret)

	aead, err := deriveHybridAEAD(sharedSecret, ephemeralPoint, recipientPoint)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealedPayload, []byte{hybridVersion})
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: decrypted payload is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// deriveHybridAEAD derives the XChaCha20-Poly1305 cipher for a shared
// secret. The salt binds both public keys so a transcript substitution
// changes the derived key.
func deriveHybridAEAD(sharedSecret, ephemeralPoint, recipientPoint []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, len(ephemeralPoint)+len(recipientPoint))
	salt = append(salt, ephemeralPoint...)
	salt = append(salt, recipientPoint...)

	key := make([]byte, chacha20poly1305.KeySize)
	defer secret.Zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("sealed: deriving symmetric key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating AEAD: %w", err)
	}
	return aead, nil
}

// decodeHybridPublicKey decodes and length-checks a base64 X25519
// public key.
func decodeHybridPublicKey(publicKey string) ([]byte, error) {
	point, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid hybrid public key encoding: %w", err)
	}
	if len(point) != curve25519.PointSize {
		return nil, fmt.Errorf("sealed: hybrid public key must be %d bytes, got %d", curve25519.PointSize, len(point))
	}
	return point, nil
}

// hybridValidatePublicKey checks that publicKey decodes to a valid
// X25519 point encoding.
func hybridValidatePublicKey(publicKey string) error {
	_, err := decodeHybridPublicKey(publicKey)
	return err
}
