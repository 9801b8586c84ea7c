// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package zenerr holds the typed failures raised by the execution core.
// Callers branch on Kind (or errors.Is against the sentinels); transport
// layers translate kinds into their own vocabulary.
package zenerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindNotFound               Kind = "NotFound"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindInvalidOperation       Kind = "InvalidOperation"
	KindValidationFailure      Kind = "ValidationFailure"
	KindResourceContention     Kind = "ResourceContention"
	KindHandlerFailure         Kind = "HandlerFailure"
	KindConsistencyViolation   Kind = "ConsistencyViolation"
)

// Retryable reports whether the caller may repeat the operation unchanged.
func (k Kind) Retryable() bool {
	return k == KindResourceContention
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single finding of a validation pass.
type Issue struct {
	Severity   Severity `json:"severity"`
	NodeId     string   `json:"nodeId,omitempty"`
	InstanceId string   `json:"instanceId,omitempty"`
	Message    string   `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Severity))
	if i.InstanceId != "" {
		b.WriteString(" instance=" + i.InstanceId)
	}
	if i.NodeId != "" {
		b.WriteString(" node=" + i.NodeId)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// Error is the typed problem returned by every public engine operation.
type Error struct {
	Kind   Kind
	Code   string
	Msg    string
	Ids    map[string]string
	Issues []Issue
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same code so that errors.Is(err, ErrInstanceBusy)
// holds for every instance carrying identifiers.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying the message and identifiers.
func (e *Error) With(msg string, ids ...string) *Error {
	n := *e
	n.Msg = msg
	if len(ids) > 0 {
		n.Ids = make(map[string]string, len(ids)/2)
		for i := 0; i+1 < len(ids); i += 2 {
			n.Ids[ids[i]] = ids[i+1]
		}
	}
	return &n
}

// Withf is With with a formatted message and no identifiers.
func (e *Error) Withf(format string, a ...any) *Error {
	return e.With(fmt.Sprintf(format, a...))
}

// Wrap returns a copy of e wrapping the cause.
func (e *Error) Wrap(err error) *Error {
	n := *e
	n.Err = err
	return &n
}

// WithIssues returns a copy of e carrying validation issues.
func (e *Error) WithIssues(issues []Issue) *Error {
	n := *e
	n.Issues = issues
	return &n
}

var (
	ErrDefinitionNotFound     = &Error{Kind: KindNotFound, Code: "DefinitionNotFound", Msg: "process definition not found"}
	ErrInstanceNotFound       = &Error{Kind: KindNotFound, Code: "InstanceNotFound", Msg: "process instance not found"}
	ErrTaskNotFound           = &Error{Kind: KindNotFound, Code: "TaskNotFound", Msg: "human task not found"}
	ErrActivityNotFound       = &Error{Kind: KindNotFound, Code: "ActivityNotFound", Msg: "activity instance not found"}
	ErrMigrationNotFound      = &Error{Kind: KindNotFound, Code: "MigrationNotFound", Msg: "migration not found"}
	ErrInstanceNotRunning     = &Error{Kind: KindInvalidStateTransition, Code: "InstanceNotRunning", Msg: "process instance is not running"}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition, Code: "InvalidStateTransition", Msg: "invalid state transition"}
	ErrInvalidOperation       = &Error{Kind: KindInvalidOperation, Code: "InvalidOperation", Msg: "invalid operation"}
	ErrInvalidVariableType    = &Error{Kind: KindInvalidOperation, Code: "InvalidVariableType", Msg: "variable value is not JSON serializable"}
	ErrValidationFailed       = &Error{Kind: KindValidationFailure, Code: "ValidationFailed", Msg: "validation failed"}
	ErrInstanceBusy           = &Error{Kind: KindResourceContention, Code: "InstanceBusy", Msg: "process instance is locked by another operation"}
	ErrHandlerFailure         = &Error{Kind: KindHandlerFailure, Code: "HandlerFailure", Msg: "activity handler failed"}
	ErrConsistencyViolation   = &Error{Kind: KindConsistencyViolation, Code: "ConsistencyViolation", Msg: "consistency violation"}
)

// KindOf returns the kind of the first *Error in the chain, or false.
func KindOf(err error) (Kind, bool) {
	var zerr *Error
	if errors.As(err, &zerr) {
		return zerr.Kind, true
	}
	return "", false
}

// As returns the first *Error in the chain.
func As(err error) (*Error, bool) {
	var zerr *Error
	ok := errors.As(err, &zerr)
	return zerr, ok
}
