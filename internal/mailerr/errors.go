// Package mailerr defines the error taxonomy shared by the sync engine, the
// outbound dispatcher and the mutation mirror.
//
// Connection errors abort a whole sync cycle. Protocol errors skip the
// affected folder. Parse errors affect a single message. Storage errors affect
// a single attachment. Duplicate send errors are returned before any network
// call is made.
package mailerr

import (
	"errors"
	"fmt"
)

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type ProtocolError struct {
	Op     string
	Folder string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol: %s %q: %v", e.Op, e.Folder, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type ParseError struct {
	Folder string
	UID    uint32
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %s uid %d: %v", e.Folder, e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DuplicateSendError maps to HTTP 409 Conflict.
type DuplicateSendError struct {
	Fingerprint string
	Age         string
}

func (e *DuplicateSendError) Error() string {
	return fmt.Sprintf("duplicate send: identical message sent %s ago", e.Age)
}

// StatusCode is the HTTP-equivalent status for the error.
func (e *DuplicateSendError) StatusCode() int { return 409 }

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

func IsDuplicateSend(err error) bool {
	var target *DuplicateSendError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}
