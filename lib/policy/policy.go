// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether a literal argument vector is an
// allowed invocation for a job kind, before anything is executed. The
// control plane validates at enqueue time and the runner validates
// again immediately before exec — the runner never trusts that the
// queue already checked.
//
// The rules are deliberately strict: only known flags, no duplicates,
// no raw "--" separator (which would smuggle arbitrary trailing
// arguments past the allowlist), boolean flags without values, value
// flags with values, and per-kind required flags. Each rule failure
// maps to its own sentinel error so callers can distinguish "unknown
// flag" from "missing required flag" in operator-facing messages.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Job kinds understood by the execution envelope. The kind drives both
// the flag allowlist and the result spec.
const (
	KindProjectInit     = "project-init"
	KindBootstrap       = "bootstrap"
	KindDeploy          = "deploy"
	KindSecretsWrite    = "secrets-write"
	KindInfraApply      = "infra-apply"
	KindGatewayDiagnose = "gateway-diagnose"
)

// Sentinel errors, one per rejection rule. Wrapped with the offending
// kind or flag; test with errors.Is.
var (
	ErrUnknownKind         = errors.New("unknown job kind")
	ErrForbiddenToken      = errors.New("forbidden token")
	ErrUnknownFlag         = errors.New("unknown flag")
	ErrDuplicateFlag       = errors.New("duplicate flag")
	ErrFlagTakesNoValue    = errors.New("flag takes no value")
	ErrFlagNeedsValue      = errors.New("flag needs a value")
	ErrMissingRequiredFlag = errors.New("missing required flag")
	ErrCommandMismatch     = errors.New("command does not match job kind")
	ErrUnexpectedArgument  = errors.New("unexpected positional argument")
)

// ResultMode classifies how much output a completed job may report.
type ResultMode string

const (
	// ResultNone: the job reports status only, no payload.
	ResultNone ResultMode = "none"
	// ResultJSONSmall: a small JSON document stored inline.
	ResultJSONSmall ResultMode = "json_small"
	// ResultJSONLarge: a large JSON document, compressed at rest.
	ResultJSONLarge ResultMode = "json_large"
)

// Spec is the result shape and size cap for a job kind. It is a pure
// function of the kind: resolving it twice always yields the same
// values, so the control plane and runner agree without negotiation.
type Spec struct {
	Mode     ResultMode
	MaxBytes int
}

// flagDef describes one allowed flag for a kind.
type flagDef struct {
	// boolean flags must not carry =value; value flags must.
	boolean  bool
	required bool
}

// kindDef is the full policy for one job kind: the fixed command words
// that must open the argv, the flag allowlist, and the result spec.
type kindDef struct {
	command []string
	flags   map[string]flagDef
	result  Spec
}

const (
	smallResultBytes = 16 * 1024
	largeResultBytes = 256 * 1024
)

var kinds = map[string]kindDef{
	KindProjectInit: {
		command: []string{"project", "init"},
		flags: map[string]flagDef{
			"--dir":  {required: true},
			"--host": {required: true},
			"--json": {boolean: true},
		},
		result: Spec{Mode: ResultJSONSmall, MaxBytes: smallResultBytes},
	},
	KindBootstrap: {
		command: []string{"bootstrap"},
		flags: map[string]flagDef{
			"--host": {required: true},
			"--mode": {},
			"--json": {boolean: true, required: true},
		},
		result: Spec{Mode: ResultJSONLarge, MaxBytes: largeResultBytes},
	},
	KindDeploy: {
		command: []string{"deploy"},
		flags: map[string]flagDef{
			"--host":    {required: true},
			"--json":    {boolean: true, required: true},
			"--reboot":  {boolean: true},
			"--dry-run": {boolean: true},
		},
		result: Spec{Mode: ResultJSONLarge, MaxBytes: largeResultBytes},
	},
	KindSecretsWrite: {
		command: []string{"secrets", "write"},
		flags: map[string]flagDef{
			"--host": {required: true},
			"--file": {},
			"--json": {boolean: true, required: true},
		},
		result: Spec{Mode: ResultJSONSmall, MaxBytes: smallResultBytes},
	},
	KindInfraApply: {
		command: []string{"infra", "apply"},
		flags: map[string]flagDef{
			"--json":         {boolean: true, required: true},
			"--auto-approve": {boolean: true},
			"--target":       {},
		},
		result: Spec{Mode: ResultJSONLarge, MaxBytes: largeResultBytes},
	},
	KindGatewayDiagnose: {
		command: []string{"gateway", "diagnose"},
		flags: map[string]flagDef{
			"--gateway": {required: true},
			"--json":    {boolean: true, required: true},
		},
		result: Spec{Mode: ResultJSONSmall, MaxBytes: smallResultBytes},
	},
}

// Kinds returns the known job kinds in no particular order.
func Kinds() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	return names
}

// KnownKind reports whether kind has a policy.
func KnownKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

// ResultSpec returns the result mode and size cap for a kind.
func ResultSpec(kind string) (Spec, error) {
	def, ok := kinds[kind]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return def.result, nil
}

// Validate checks argv against the policy for kind. Returns nil when
// the vector is an allowed invocation, or a sentinel-wrapped error
// naming the first violated rule.
func Validate(kind string, argv []string) error {
	def, ok := kinds[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	// The argv must open with the kind's fixed command words.
	if len(argv) < len(def.command) {
		return fmt.Errorf("%w: want %q", ErrCommandMismatch, strings.Join(def.command, " "))
	}
	for i, word := range def.command {
		if argv[i] != word {
			return fmt.Errorf("%w: want %q, got %q", ErrCommandMismatch, strings.Join(def.command, " "), argv[i])
		}
	}

	seen := make(map[string]bool, len(def.flags))

	tokens := argv[len(def.command):]
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]

		if token == "--" {
			return fmt.Errorf("%w: %q", ErrForbiddenToken, token)
		}

		if !strings.HasPrefix(token, "--") {
			return fmt.Errorf("%w: %q", ErrUnexpectedArgument, token)
		}

		name, inlineValue, hasInline := strings.Cut(token, "=")

		flag, known := def.flags[name]
		if !known {
			return fmt.Errorf("%w: %q", ErrUnknownFlag, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: %q", ErrDuplicateFlag, name)
		}
		seen[name] = true

		if flag.boolean {
			if hasInline {
				return fmt.Errorf("%w: %q", ErrFlagTakesNoValue, name)
			}
			continue
		}

		// Value flag: the value is inline (--flag=v) or the next
		// token (--flag v), which must exist and not itself be a
		// flag.
		if hasInline {
			if inlineValue == "" {
				return fmt.Errorf("%w: %q", ErrFlagNeedsValue, name)
			}
			continue
		}
		if i+1 >= len(tokens) || strings.HasPrefix(tokens[i+1], "--") {
			return fmt.Errorf("%w: %q", ErrFlagNeedsValue, name)
		}
		i++
	}

	var missing []string
	for name, flag := range def.flags {
		if flag.required && !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		// Deterministic reporting regardless of map iteration order.
		sort.Strings(missing)
		return fmt.Errorf("%w: %q", ErrMissingRequiredFlag, missing[0])
	}

	return nil
}
