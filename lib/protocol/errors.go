// Copyright 2026 The Hostwright Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// ErrorClass determines how a caller reacts to a failed protocol
// call: transient errors are retried with backoff, everything else
// surfaces immediately.
type ErrorClass string

const (
	// ClassAuth covers 401/403: the bearer token is bad or expired.
	// Not retried; the operator must re-provision credentials.
	ClassAuth ErrorClass = "auth"

	// ClassTransient covers 429, 5xx, and network timeouts. Retried
	// with capped exponential backoff.
	ClassTransient ErrorClass = "transient"

	// ClassPermanent covers the remaining 4xx range: the request is
	// understood and refused. Not retried.
	ClassPermanent ErrorClass = "permanent"

	// ClassMalformed covers responses whose body is not a JSON
	// object. Not retried.
	ClassMalformed ErrorClass = "malformed"
)

// ClassifyStatus maps an HTTP status code to its error class. 2xx
// codes never reach this function.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429 || status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Machine-readable error codes carried in the response body. The
// runner dispatches on these rather than parsing messages.
const (
	CodeStaleLease          = "stale_lease"
	CodePolicyViolation     = "policy_violation"
	CodeSealedInputMismatch = "sealed_input_mismatch"
	CodeLeaseExhausted      = "lease_exhausted"
	CodeNotFound            = "not_found"
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// APIError is a structured protocol failure. Callers extract it with
// errors.As to dispatch on Code or Class:
//
//	var apiErr *protocol.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == protocol.CodeStaleLease { ... }
type APIError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Class is derived from StatusCode (or set to ClassMalformed
	// when the body could not be parsed).
	Class ErrorClass
	// Code is the machine-readable error code from the body, if any.
	Code string
	// Message is the human-readable error from the body.
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("protocol: %s (%d, %s): %s", e.Code, e.StatusCode, e.Class, e.Message)
	}
	return fmt.Sprintf("protocol: status %d (%s): %s", e.StatusCode, e.Class, e.Message)
}

// Retryable reports whether the error should be retried with backoff.
func (e *APIError) Retryable() bool {
	return e.Class == ClassTransient
}

// IsCode checks whether err is an *APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
