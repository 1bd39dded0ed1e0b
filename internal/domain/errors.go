package domain

import "errors"

// Errors shared between dispatcher and runner. Callers wrap them with
// context and match with errors.Is.
var (
	ErrChecksumMismatch           = errors.New("checksum mismatch")
	ErrInvalidNameFormat          = errors.New("invalid version name format")
	ErrVersionNotFound            = errors.New("version not found")
	ErrVersionExists              = errors.New("version already exists with different content")
	ErrUnsupportedOS              = errors.New("unsupported os")
	ErrRunnerUnreachable          = errors.New("runner unreachable")
	ErrProcessConfirmationTimeout = errors.New("process state not confirmed within timeout")
	ErrJobAlreadyExists           = errors.New("job already exists")
	ErrBusy                       = errors.New("busy")
	ErrHarnessInvocation          = errors.New("harness invocation failed")
	ErrPathNotFound               = errors.New("path not found")
	ErrNotFound                   = errors.New("not found")
	ErrInvalidID                  = errors.New("invalid id")
	ErrInvalidRequest             = errors.New("invalid request")
)
