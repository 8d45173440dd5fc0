// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/vmware/govmomi/vim25/types"
)

const UnboundedRetries = unboundedRetries

type RetryStrategy = retryStrategy

var (
	CallWithRetry       = callWithRetry
	IncrementalBackoff  = incrementalBackoff
	ClassifySOAPError   = classifySOAPError
	CheckRetrieveResult = checkRetrieveResult
	VimFaultName        = vimFaultName
	TruncateID          = truncateID
	OpIDSkipped         = opIDSkipped
)

func NewRetryStrategy(maxRetries int, increment, max time.Duration, isRetryable func(error) bool) RetryStrategy {
	return retryStrategy{
		maxRetries:       maxRetries,
		backoffIncrement: increment,
		maxBackoff:       max,
		isRetryable:      isRetryable,
	}
}

func NewServerFault(message string, cause error, faults ...string) *Error {
	e := newError(ErrServerFault, message, cause)
	e.Faults = faults
	return e
}

func NewTypedError(kind errors.ConstError, message string) *Error {
	return newError(kind, message, nil)
}

func Translate(r *FaultRegistry, e *Error) *Error {
	return r.translate(e)
}

func TranslateMethodFault(r *FaultRegistry, fault *types.LocalizedMethodFault, message string) *Error {
	return r.translateMethodFault(fault, message)
}

func EnsureSession(ctx context.Context, s *Session) error {
	return s.ensureSession(ctx)
}

func SetAcquireMutex(s *Session, acquire func(mutex.Spec) (mutex.Releaser, error)) {
	s.acquireMutex = acquire
}

func SessionIdentity(s *Session) (id, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.sessionUsername
}

func SetSessionIdentity(s *Session, id, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.sessionUsername = username
}
