// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed implements the asymmetric sealing scheme for job
// secret inputs. A runner generates a keypair per process start and
// advertises the algorithm, public key, and key ID in its heartbeat
// capabilities. A caller that needs to hand secret material to a job
// encrypts the payload under that public key and submits only
// ciphertext; the control plane stores and forwards the ciphertext
// verbatim and can never decrypt it.
//
// Two algorithms are supported:
//
//   - age-x25519-v1: age file encryption (filippo.io/age). The default
//     for CLI and runner-to-runner flows.
//   - x25519-hkdf-chacha20poly1305-v1: a compact hybrid scheme
//     (ephemeral X25519 agreement, HKDF-SHA256, XChaCha20-Poly1305)
//     for callers that assemble the ciphertext themselves, such as
//     browsers with WebCrypto.
//
// Private keys and decrypted plaintext are held in secret.Buffer
// values (mmap-backed, locked against swap, zeroed on close).
// Ciphertext is base64-encoded for storage in JSON fields.
package sealed

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/hostwright/hostwright/lib/secret"
)

// Supported algorithm identifiers. The algorithm travels with the key
// ID through reservation and finalize; a mismatch at finalize fails
// closed.
const (
	AlgorithmAge    = "age-x25519-v1"
	AlgorithmHybrid = "x25519-hkdf-chacha20poly1305-v1"
)

// Keypair is a sealing keypair bound to one algorithm. The private key
// lives in guarded memory and must never be logged, written to disk,
// or put in argv. The public key and key ID are safe to publish.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	Algorithm string

	// KeyID identifies this keypair in reservations and finalize
	// calls. Derived from the algorithm and public key, so two
	// runners can never collide unless they share a key.
	KeyID string

	// PublicKey is the recipient encoding for the algorithm: age1...
	// for age, base64 raw X25519 point for the hybrid scheme.
	PublicKey string

	// PrivateKey is held in mmap-backed memory outside the Go heap.
	PrivateKey *secret.Buffer
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a fresh keypair for the given algorithm.
// Runners call this once per process start — sealing keys are
// deliberately ephemeral, so a reservation can never outlive the
// runner process that can decrypt it by more than one restart.
func GenerateKeypair(algorithm string) (*Keypair, error) {
	switch algorithm {
	case AlgorithmAge:
		return generateAgeKeypair()
	case AlgorithmHybrid:
		return generateHybridKeypair()
	default:
		return nil, fmt.Errorf("sealed: unsupported algorithm %q", algorithm)
	}
}

// Encrypt seals plaintext to a recipient public key under the given
// algorithm. Returns base64 ciphertext suitable for JSON transport.
func Encrypt(algorithm, publicKey string, plaintext []byte) (string, error) {
	switch algorithm {
	case AlgorithmAge:
		return ageEncrypt(publicKey, plaintext)
	case AlgorithmHybrid:
		return hybridEncrypt(publicKey, plaintext)
	default:
		return "", fmt.Errorf("sealed: unsupported algorithm %q", algorithm)
	}
}

// Decrypt opens base64 ciphertext with the keypair's private key. The
// plaintext is returned in a secret.Buffer that the caller must close
// as soon as the material has been consumed.
func Decrypt(keypair *Keypair, ciphertext string) (*secret.Buffer, error) {
	switch keypair.Algorithm {
	case AlgorithmAge:
		return ageDecrypt(keypair.PrivateKey, ciphertext)
	case AlgorithmHybrid:
		return hybridDecrypt(keypair.PrivateKey, ciphertext)
	default:
		return nil, fmt.Errorf("sealed: unsupported algorithm %q", keypair.Algorithm)
	}
}

// ValidatePublicKey checks that publicKey parses under the given
// algorithm. Use this on keys received over the wire before storing
// or encrypting to them.
func ValidatePublicKey(algorithm, publicKey string) error {
	switch algorithm {
	case AlgorithmAge:
		return ageValidatePublicKey(publicKey)
	case AlgorithmHybrid:
		return hybridValidatePublicKey(publicKey)
	default:
		return fmt.Errorf("sealed: unsupported algorithm %q", algorithm)
	}
}

// keyIDLength is the number of hash bytes kept in a key ID. 16 bytes
// (32 hex chars) is plenty for uniqueness across a fleet of runners.
const keyIDLength = 16

// KeyID derives the identifier for a public key: the BLAKE3 hash of
// algorithm || 0x00 || publicKey, hex-encoded and truncated. The NUL
// separator gives domain separation between algorithms that could
// share key encodings.
func KeyID(algorithm, publicKey string) string {
	hasher := blake3.New()
	hasher.Write([]byte(algorithm))
	hasher.Write([]byte{0})
	hasher.Write([]byte(publicKey))
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:keyIDLength])
}
