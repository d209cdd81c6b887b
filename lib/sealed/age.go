// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/hostwright/hostwright/lib/secret"
)

// generateAgeKeypair creates an age x25519 identity and moves the
// private key into guarded memory immediately.
func generateAgeKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating age keypair: %w", err)
	}

	// Move the private key string into mmap-backed memory. The
	// original heap string from the age API is unavoidable and will
	// be GC'd; the buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting age private key: %w", err)
	}

	publicKey := identity.Recipient().String()
	return &Keypair{
		Algorithm:  AlgorithmAge,
		KeyID:      KeyID(AlgorithmAge, publicKey),
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// ageEncrypt seals plaintext to a single age recipient and returns
// standard base64 ciphertext.
func ageEncrypt(publicKey string, plaintext []byte) (string, error) {
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return "", fmt.Errorf("sealed: parsing age recipient: %w", err)
	}

	var ciphertextBuffer bytes.Buffer
	writer, err := age.Encrypt(&ciphertextBuffer, recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertextBuffer.Bytes()), nil
}

// ageDecrypt opens base64 age ciphertext with the private key and
// returns the plaintext in guarded memory.
//
// The private key is borrowed (read via .String() to parse the age
// identity) and is NOT closed by this function.
func ageDecrypt(privateKey *secret.Buffer, ciphertext string) (*secret.Buffer, error) {
	// The age API requires a string identity; the heap copy is brief
	// and request-scoped.
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing age private key: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: decrypted payload is empty")
	}

	// NewFromBytes moves the plaintext into guarded memory and zeros
	// the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ageValidatePublicKey checks that publicKey is a valid age x25519
// recipient.
func ageValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid age public key: %w", err)
	}
	return nil
}
