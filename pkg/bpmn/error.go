// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

type BpmnEngineError struct {
	Msg string
}

func (e *BpmnEngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + "\nerror: " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}

// storageError translates storage.ErrNotFound into the given taxonomy error
// and decorates anything else with an engine error.
func storageError(err error, notFound *zenerr.Error, format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound.With(msg).Wrap(err)
	}
	return errors.Join(newEngineErrorf("%s", msg), err)
}
