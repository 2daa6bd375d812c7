// Package mailerr defines the error taxonomy shared by the sync and
// transport engine. Errors carry enough context (host, folder path, UID) to
// diagnose a failure without re-running the operation.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// Connection errors are retryable at the transport layer.
	KindConnectFailed       Kind = "connect_failed"
	KindTimeout             Kind = "timeout"
	KindTLSUpgradeFailed    Kind = "tls_upgrade_failed"
	KindCertificateInvalid  Kind = "certificate_invalid"
	KindStartTLSUnsupported Kind = "starttls_unsupported"

	// Protocol errors.
	KindAuthFailed          Kind = "auth_failed"
	KindCommandFailed       Kind = "command_failed"
	KindInvalidResponse     Kind = "invalid_response"
	KindFolderNotFound      Kind = "folder_not_found"
	KindMessageNotFound     Kind = "message_not_found"
	KindParsingFailed       Kind = "parsing_failed"
	KindOperationCancelled  Kind = "operation_cancelled"
	KindMaxRetriesExhausted Kind = "max_retries_exhausted"

	// Sync errors, terminal per attempt.
	KindAccountNotFound    Kind = "account_not_found"
	KindAccountInactive    Kind = "account_inactive"
	KindTokenRefreshFailed Kind = "token_refresh_failed"

	// Send errors.
	KindSendTransient Kind = "send_transient"
	KindSendTerminal  Kind = "send_terminal"
)

// Error is a classified engine error with diagnostic context.
type Error struct {
	Kind   Kind
	Host   string
	Folder string
	UID    uint32
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Host != "" {
		s += fmt.Sprintf(" (host %s)", e.Host)
	}
	if e.Folder != "" {
		s += fmt.Sprintf(" (folder %q)", e.Folder)
	}
	if e.UID != 0 {
		s += fmt.Sprintf(" (uid %d)", e.UID)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithHost attaches the offending host.
func (e *Error) WithHost(host string) *Error {
	e.Host = host
	return e
}

// WithFolder attaches the offending folder path.
func (e *Error) WithFolder(path string) *Error {
	e.Folder = path
	return e
}

// WithUID attaches the offending message UID.
func (e *Error) WithUID(uid uint32) *Error {
	e.UID = uid
	return e
}

// KindOf returns the kind of err, or "" if err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is lets errors.Is match on kind: mailerr.Is(err, mailerr.KindAuthFailed).
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is transient at the transport layer.
// Auth failures and not-found conditions are never retryable.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnectFailed, KindTimeout, KindTLSUpgradeFailed, KindSendTransient:
		return true
	}
	return false
}
