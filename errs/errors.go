/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package errs defines the error taxonomy shared by the unit of work,
// repositories and cache backends.
package errs

import (
	"context"
	"errors"
	"strings"
)

// ErrorType groups errors by how a caller is expected to react.
type ErrorType string

const (
	TypePrecondition     ErrorType = "precondition"
	TypeTransactionState ErrorType = "transaction_state"
	TypeMultiplicity     ErrorType = "multiplicity"
	TypeStorage          ErrorType = "storage"
	TypeCancelled        ErrorType = "cancelled"
	TypeConfig           ErrorType = "config"
	TypeSerialization    ErrorType = "serialization"
	TypeCache            ErrorType = "cache"
)

// Error is the concrete error returned by this module.
type Error struct {
	Type    ErrorType
	Code    string
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same Type and, when the target carries
// one, the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

var (
	ErrTransactionAlreadyActive = &Error{Type: TypeTransactionState, Code: "TX_ALREADY_ACTIVE", Message: "a transaction is already active"}
	ErrNoActiveTransaction      = &Error{Type: TypeTransactionState, Code: "TX_NOT_ACTIVE", Message: "no active transaction"}
	ErrMultipleResults          = &Error{Type: TypeMultiplicity, Code: "MULTIPLE_RESULTS", Message: "query returned more than one row"}
	ErrOperationCancelled       = &Error{Type: TypeCancelled, Code: "CANCELLED", Message: "operation cancelled"}
	ErrNilArgument              = &Error{Type: TypePrecondition, Code: "NIL_ARGUMENT", Message: "required argument is nil"}
	ErrUnknownEntity            = &Error{Type: TypePrecondition, Code: "UNKNOWN_ENTITY", Message: "type is not a persistable entity"}
	ErrSessionClosed            = &Error{Type: TypePrecondition, Code: "SESSION_CLOSED", Message: "session is closed"}
	ErrUnsupportedDialect       = &Error{Type: TypePrecondition, Code: "UNSUPPORTED_DIALECT", Message: "operation not supported by the database dialect"}
	ErrInvalidConfig            = &Error{Type: TypeConfig, Code: "INVALID_CONFIG", Message: "invalid configuration"}
	ErrSerialization            = &Error{Type: TypeSerialization, Code: "SERIALIZATION", Message: "value serialization failed"}
	ErrCacheUnavailable         = &Error{Type: TypeCache, Code: "CACHE_UNAVAILABLE", Message: "cache backend unavailable"}
)

// With returns a copy of sentinel annotated with op and an optional cause.
func With(sentinel *Error, op string, cause error) *Error {
	return &Error{
		Type:    sentinel.Type,
		Code:    sentinel.Code,
		Op:      op,
		Message: sentinel.Message,
		Cause:   cause,
	}
}

// Withf is With with a replacement message.
func Withf(sentinel *Error, op, message string) *Error {
	e := With(sentinel, op, nil)
	e.Message = message
	return e
}

// Cancelled wraps a context error so that both errors.Is(err,
// ErrOperationCancelled) and errors.Is(err, context.Canceled) hold.
func Cancelled(op string, cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return With(ErrOperationCancelled, op, cause)
}

// CheckContext returns a cancellation error when ctx is already done.
func CheckContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(op, err)
	}
	return nil
}

// Storage wraps a driver error. A context error is reported as cancellation
// instead, and errors already produced by this package pass through.
func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return Cancelled(op, cause)
	}
	return &Error{Type: TypeStorage, Code: classify(cause), Op: op, Message: "storage operation failed", Cause: cause}
}

// StorageClassifier maps a driver error to a short code. The database package
// installs one that understands MySQL, PostgreSQL and SQLite errors.
var StorageClassifier func(err error) string

func classify(err error) string {
	if StorageClassifier == nil {
		return ""
	}
	return StorageClassifier(err)
}

func isType(err error, t ErrorType) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Type == t {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

func IsPrecondition(err error) bool     { return isType(err, TypePrecondition) }
func IsTransactionState(err error) bool { return isType(err, TypeTransactionState) }
func IsMultiplicity(err error) bool     { return isType(err, TypeMultiplicity) }
func IsStorage(err error) bool          { return isType(err, TypeStorage) }
func IsCancelled(err error) bool        { return isType(err, TypeCancelled) }
func IsConfig(err error) bool           { return isType(err, TypeConfig) }
func IsCache(err error) bool            { return isType(err, TypeCache) }
