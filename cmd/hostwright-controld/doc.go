// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Command hostwright-controld is the Hostwright control plane: the
// SQLite-backed run queue, the job lease protocol served to runner
// agents, and the producer API used by the operator CLI.
//
// The control plane never executes commands and never sees sealed
// input in plaintext. It stores opaque ciphertext, enforces the
// per-kind command policy at enqueue time, redacts and persists run
// events, and sweeps expired leases back into the queue.
//
// Configuration comes from the file named by HOSTWRIGHT_CONFIG or the
// --config flag. All endpoints require the shared bearer token.
package main
