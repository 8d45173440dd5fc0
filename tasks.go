// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"

	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/types"
)

// WaitForTask polls the task until it reaches a terminal state,
// returning its final info on success or the task's translated fault
// on failure. Polls run at TaskPollInterval, the first one
// immediately; cancel ctx to stop waiting. The task keeps running
// server-side when the wait is cancelled; use CancelTask to stop it.
func (s *Session) WaitForTask(ctx context.Context, task types.ManagedObjectReference) (*types.TaskInfo, error) {
	started := s.clock.Now()
	for {
		info, done, err := s.pollTask(ctx, task)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if done {
			logger.Debugf("task %s completed in %s", task.Value, s.clock.Now().Sub(started))
			return info, nil
		}
		if err := s.sleep(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
}

func (s *Session) pollTask(ctx context.Context, task types.ManagedObjectReference) (*types.TaskInfo, bool, error) {
	val, err := s.retrieveProperty(ctx, task, "info", true)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	var info types.TaskInfo
	switch v := val.(type) {
	case types.TaskInfo:
		info = v
	case *types.TaskInfo:
		if v == nil {
			return nil, false, errors.Errorf("task %s reported no info", task.Value)
		}
		info = *v
	case nil:
		return nil, false, errors.Errorf("task %s reported no info", task.Value)
	default:
		return nil, false, errors.Errorf("unexpected task info type %T", val)
	}

	switch info.State {
	case types.TaskInfoStateQueued, types.TaskInfoStateRunning:
		logger.Debugf("task %s in state %s, progress %d%%", task.Value, info.State, info.Progress)
		return nil, false, nil
	case types.TaskInfoStateSuccess:
		return &info, true, nil
	case types.TaskInfoStateError:
		if info.Error == nil {
			return nil, false, errors.Errorf("task %s failed with no error detail", task.Value)
		}
		return nil, false, errors.Trace(s.registry.translateMethodFault(info.Error, ""))
	default:
		// Fail closed rather than poll a state we cannot interpret.
		return nil, false, errors.Errorf("task %s in unknown state %q", task.Value, info.State)
	}
}

// CancelTask requests cancellation of a running task. Cancellation is
// asynchronous; follow with WaitForTask to observe the outcome.
func (s *Session) CancelTask(ctx context.Context, task types.ManagedObjectReference) error {
	_, err := s.InvokeAPI(ctx, task, "CancelTask", nil)
	return errors.Trace(err)
}

// WaitForLeaseReady polls an HTTP NFC lease until it is ready for
// transfer. A lease in the error state yields its error detail if the
// server can supply it.
func (s *Session) WaitForLeaseReady(ctx context.Context, lease types.ManagedObjectReference) error {
	for {
		state, err := s.leaseState(ctx, lease)
		if err != nil {
			return errors.Trace(err)
		}
		switch state {
		case types.HttpNfcLeaseStateReady:
			return nil
		case types.HttpNfcLeaseStateInitializing:
			logger.Debugf("lease %s initializing", lease.Value)
		case types.HttpNfcLeaseStateError:
			return errors.Trace(s.leaseError(ctx, lease))
		default:
			return errors.Errorf("lease %s in unknown state %q", lease.Value, state)
		}
		if err := s.sleep(ctx); err != nil {
			return errors.Trace(err)
		}
	}
}

func (s *Session) leaseState(ctx context.Context, lease types.ManagedObjectReference) (types.HttpNfcLeaseState, error) {
	val, err := s.retrieveProperty(ctx, lease, "state", true)
	if err != nil {
		return "", errors.Trace(err)
	}
	switch v := val.(type) {
	case types.HttpNfcLeaseState:
		return v, nil
	case string:
		return types.HttpNfcLeaseState(v), nil
	}
	return "", errors.Errorf("unexpected lease state type %T", val)
}

// leaseError fetches the error detail of a failed lease. The detail
// is fetched exactly once; if that fetch itself fails, the lease
// failure is reported without detail rather than masked by the
// follow-up error.
func (s *Session) leaseError(ctx context.Context, lease types.ManagedObjectReference) error {
	val, err := s.retrieveProperty(ctx, lease, "error", true)
	if err != nil {
		logger.Debugf("fetching error detail of lease %s: %v", lease.Value, err)
		return errors.Errorf("lease %s in error state, detail unknown", lease.Value)
	}
	var fault *types.LocalizedMethodFault
	switch v := val.(type) {
	case types.LocalizedMethodFault:
		fault = &v
	case *types.LocalizedMethodFault:
		fault = v
	}
	if fault == nil {
		return errors.Errorf("lease %s in error state, detail unknown", lease.Value)
	}
	return s.registry.translateMethodFault(fault, "")
}

// AbortLease aborts an HTTP NFC lease, optionally reporting the fault
// that caused the abort to the server.
func (s *Session) AbortLease(ctx context.Context, lease types.ManagedObjectReference, fault *types.LocalizedMethodFault) error {
	_, err := s.InvokeAPI(ctx, lease, "HttpNfcLeaseAbort", Args{"fault": fault})
	return errors.Trace(err)
}

// CompleteLease marks a finished transfer complete, releasing the
// lease server-side.
func (s *Session) CompleteLease(ctx context.Context, lease types.ManagedObjectReference) error {
	_, err := s.InvokeAPI(ctx, lease, "HttpNfcLeaseComplete", nil)
	return errors.Trace(err)
}

// ReportLeaseProgress updates the server's view of transfer progress,
// which also keeps the lease from timing out mid-transfer.
func (s *Session) ReportLeaseProgress(ctx context.Context, lease types.ManagedObjectReference, percent int32) error {
	_, err := s.InvokeAPI(ctx, lease, "HttpNfcLeaseProgress", Args{"percent": percent})
	return errors.Trace(err)
}

func (s *Session) sleep(ctx context.Context) error {
	select {
	case <-s.clock.After(s.config.TaskPollInterval):
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
