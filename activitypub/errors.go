// Package activitypub implements the federation pipeline: signatures,
// JSON-LD handling, actor resolution, the signed client, and the state
// graphs and handlers that translate between protocol messages and entity
// state.
package activitypub

import (
	"errors"
	"fmt"
)

// FormatError is a malformed document: missing required keys, wrong shapes.
// Inbound processing recovers by marking the message errored.
type FormatError struct {
	Detail string
}

func (e *FormatError) Error() string {
	return "activitypub format error: " + e.Detail
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{Detail: fmt.Sprintf(format, args...)}
}

// ActorMismatchError means the signer or actor does not match the object it
// claims to act on.
type ActorMismatchError struct {
	Actor  string
	Object string
}

func (e *ActorMismatchError) Error() string {
	return fmt.Sprintf("actor %s does not control %s", e.Actor, e.Object)
}

// VerificationFormatError is bad signature syntax. Surfaces as 400 inbound.
type VerificationFormatError struct {
	Detail string
}

func (e *VerificationFormatError) Error() string {
	return "signature format error: " + e.Detail
}

// VerificationError is a signature that parses but does not verify.
// Surfaces as 401 inbound.
type VerificationError struct {
	KeyId  string
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature by %s does not verify: %s", e.KeyId, e.Detail)
}

// TransientError covers connection failures, timeouts, TLS trouble and
// 5xx responses. Handlers never surface it to the engine; they return no
// transition and the retry cycle picks the row up again.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure for %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is an HTTP status the remote will keep returning
// (401/403/404/406/410). The handler decides what it means.
type PermanentError struct {
	URL    string
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure for %s: status %d", e.URL, e.Status)
}

// Gone reports whether the remote said 410.
func (e *PermanentError) Gone() bool { return e.Status == 410 }

// BlockedIPError means the outbound target resolved into a blocked range.
type BlockedIPError struct {
	Host string
	IP   string
}

func (e *BlockedIPError) Error() string {
	return fmt.Sprintf("refusing connection to %s (%s): blocked range", e.Host, e.IP)
}

// IsTransient reports whether err should be retried by returning no
// transition to the engine.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRecoverable reports whether inbound processing should mark the message
// errored rather than bubble the error for retry.
func IsRecoverable(err error) bool {
	var fe *FormatError
	var am *ActorMismatchError
	var vf *VerificationFormatError
	var ve *VerificationError
	var pe *PermanentError
	var be *BlockedIPError
	return errors.As(err, &fe) || errors.As(err, &am) || errors.As(err, &vf) ||
		errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &be)
}
