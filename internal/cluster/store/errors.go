// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package store

import (
	"errors"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

var (
	// ErrNotOpen is returned when a Store is not open.
	ErrNotOpen = errors.New("store not open")

	// ErrAlreadyOpen is returned when a Store is already open.
	ErrAlreadyOpen = errors.New("store already open")

	// ErrNotLeader is returned when a node attempts to execute a leader-only
	// operation.
	ErrNotLeader = errors.New("not leader")

	// ErrNoLeader is returned when a write has to be forwarded but the
	// cluster has no known leader.
	ErrNoLeader = errors.New("no known leader")

	// ErrWaitForLeaderTimeout is returned when the Store cannot determine the leader
	// within the specified time.
	ErrWaitForLeaderTimeout = errors.New("timeout waiting for leader")
)

// error codes used on the forwarding wire
const (
	codeHeld      = "held"
	codeNotHeld   = "not_held"
	codeNotFound  = "not_found"
	codeNotLeader = "not_leader"
	codeInternal  = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, lease.ErrHeld):
		return codeHeld
	case errors.Is(err, lease.ErrNotHeld):
		return codeNotHeld
	case errors.Is(err, lease.ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrNotLeader):
		return codeNotLeader
	}
	return codeInternal
}

func errorFromCode(code string, message string) error {
	switch code {
	case "":
		return nil
	case codeHeld:
		return lease.ErrHeld
	case codeNotHeld:
		return lease.ErrNotHeld
	case codeNotFound:
		return lease.ErrNotFound
	case codeNotLeader:
		return ErrNotLeader
	}
	return errors.New(message)
}
