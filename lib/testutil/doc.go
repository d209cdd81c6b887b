// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by Hostwright tests:
// channel receive/send/close assertions with timeout safety valves.
// The helpers keep individual tests free of select-with-time.After
// boilerplate and make hangs fail fast with a message instead of
// stalling the whole test run.
package testutil
