// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"fmt"

	"github.com/hostwright/hostwright/lib/codec"
	"github.com/hostwright/hostwright/lib/secret"
)

// Bundle is the plaintext shape carried inside sealed input: named
// secret values destined for the job's command (environment entries,
// file contents). The bundle is CBOR-encoded with deterministic
// encoding before sealing, so the same logical bundle always produces
// identical plaintext bytes.
type Bundle map[string]string

// EncodeBundle serializes a bundle for sealing. The caller should
// zero the returned slice (secret.Zero) once it has been encrypted.
func EncodeBundle(bundle Bundle) ([]byte, error) {
	if len(bundle) == 0 {
		return nil, fmt.Errorf("sealed: bundle is empty")
	}
	data, err := codec.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("sealed: encoding bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle parses a decrypted bundle from guarded memory. The
// returned map values are heap strings — unavoidable, since they are
// handed to os/exec environment and file APIs. The plaintext buffer
// is borrowed and NOT closed by this function; the caller closes it
// immediately after decoding.
func DecodeBundle(plaintext *secret.Buffer) (Bundle, error) {
	var bundle Bundle
	if err := codec.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		return nil, fmt.Errorf("sealed: decoding bundle: %w", err)
	}
	if len(bundle) == 0 {
		return nil, fmt.Errorf("sealed: decoded bundle is empty")
	}
	return bundle, nil
}
