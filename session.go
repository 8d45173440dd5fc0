// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mutex/v2"
	"github.com/vmware/govmomi/vim25/types"
)

var logger = loggo.GetLogger("vsphereclient")

// sessionCreationLockName is the named mutex serialising session
// creation across goroutines and processes on the same machine.
const sessionCreationLockName = "session-creation-lock"

// Config contains the configuration for dialling a Session.
type Config struct {
	// Host is the hostname or address of the endpoint.
	Host string

	// Port is the endpoint port. Defaults to 443.
	Port int

	// Scheme is "https" or "http". Defaults to "https".
	Scheme string

	// Username and Password authenticate the session.
	Username string
	Password string

	// Insecure disables server certificate verification.
	Insecure bool

	// CACertFile, if set, names a PEM file of CA certificates to
	// verify the server certificate against.
	CACertFile string

	// APIRetryCount is the number of times a failed API call is
	// retried on connection or overload errors. Nil selects the
	// default of 10; a pointer to zero disables retries.
	APIRetryCount *int

	// TaskPollInterval is the interval between polls of an async
	// operation. Defaults to 2s.
	TaskPollInterval time.Duration

	// BackoffIncrement is the amount the retry sleep grows by on
	// each attempt. Defaults to 10s.
	BackoffIncrement time.Duration

	// MaxBackoff caps the retry sleep. Defaults to 60s.
	MaxBackoff time.Duration

	// ConnectionTimeout bounds each HTTP round trip. Zero means no
	// timeout.
	ConnectionTimeout time.Duration

	// PoolSize is the HTTP connection pool size. Defaults to 10.
	PoolSize int

	// OpIDPrefix prefixes the operation ID sent with each call, for
	// correlation with server-side logs. Defaults to "vsphereclient".
	OpIDPrefix string

	// DeferLogin skips the initial login; the session is established
	// lazily on the first API call that needs it.
	DeferLogin bool

	// EnablePolicyAPI dials the storage policy (PBM) endpoint
	// alongside the main one.
	EnablePolicyAPI bool

	// Clock is the clock used for retry and poll sleeps. Defaults to
	// the wall clock.
	Clock clock.Clock

	// Registry maps server fault names onto error kinds. Defaults to
	// NewFaultRegistry().
	Registry *FaultRegistry

	// Invoker overrides the endpoint invoker, for testing.
	Invoker EndpointInvoker

	// PolicyInvoker overrides the policy endpoint invoker, for
	// testing.
	PolicyInvoker PolicyInvoker
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if c.Username == "" {
		return errors.NotValidf("empty Username")
	}
	if c.Password == "" {
		return errors.NotValidf("empty Password")
	}
	if c.Scheme != "" && c.Scheme != "https" && c.Scheme != "http" {
		return errors.NotValidf("scheme %q", c.Scheme)
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.APIRetryCount != nil && *c.APIRetryCount < 0 {
		return errors.NotValidf("negative APIRetryCount")
	}
	if c.TaskPollInterval < 0 || c.BackoffIncrement < 0 || c.MaxBackoff < 0 {
		return errors.NotValidf("negative interval")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Port == 0 {
		c.Port = 443
	}
	if c.APIRetryCount == nil {
		retries := 10
		c.APIRetryCount = &retries
	}
	if c.TaskPollInterval == 0 {
		c.TaskPollInterval = 2 * time.Second
	}
	if c.BackoffIncrement == 0 {
		c.BackoffIncrement = 10 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Minute
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.OpIDPrefix == "" {
		c.OpIDPrefix = "vsphereclient"
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Registry == nil {
		c.Registry = NewFaultRegistry()
	}
}

func (c Config) endpointURL(path string) *url.URL {
	return &url.URL{
		Scheme: c.Scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   path,
	}
}

// Session is an authenticated connection to the endpoint. It
// re-establishes itself transparently when the server expires it, and
// retries calls that fail due to connection problems or server
// overload. Session is safe for concurrent use.
type Session struct {
	config   Config
	invoker  EndpointInvoker
	policy   PolicyInvoker
	registry *FaultRegistry
	clock    clock.Clock

	acquireMutex func(mutex.Spec) (mutex.Releaser, error)

	mu              sync.Mutex
	sessionID       string
	sessionUsername string
}

// Dial connects to the endpoint described by config and, unless
// DeferLogin is set, establishes a session. Session establishment is
// retried without limit on connection errors; cancel ctx to give up.
func Dial(ctx context.Context, config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	config.applyDefaults()

	invoker := config.Invoker
	if invoker == nil {
		var err error
		invoker, err = newVimInvoker(config)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	policy := config.PolicyInvoker
	if policy == nil && config.EnablePolicyAPI {
		var err error
		policy, err = newPolicyInvoker(config)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	s := &Session{
		config:       config,
		invoker:      invoker,
		policy:       policy,
		registry:     config.Registry,
		clock:        config.Clock,
		acquireMutex: mutex.Acquire,
	}
	if !config.DeferLogin {
		if err := s.ensureSession(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return s, nil
}

// ensureSession establishes a session, retrying indefinitely on
// connection errors.
func (s *Session) ensureSession(ctx context.Context) error {
	strategy := retryStrategy{
		maxRetries:       unboundedRetries,
		backoffIncrement: s.config.BackoffIncrement,
		maxBackoff:       s.config.MaxBackoff,
		isRetryable:      IsConnectionError,
	}
	return errors.Trace(callWithRetry(ctx, s.clock, strategy, "session creation", func() error {
		return s.createSession(ctx)
	}))
}

func (s *Session) createSession(ctx context.Context) error {
	releaser, err := s.acquireMutex(mutex.Spec{
		Name:   sessionCreationLockName,
		Clock:  s.clock,
		Delay:  250 * time.Millisecond,
		Cancel: ctx.Done(),
	})
	if err != nil {
		return errors.Annotate(err, "acquiring session creation lock")
	}
	defer releaser.Release()

	// Another goroutine may have re-established the session while we
	// waited for the lock.
	if s.currentSessionID() != "" && s.IsCurrentSessionActive(ctx) {
		logger.Debugf("session re-established while waiting for lock")
		return nil
	}

	sessionManager, err := s.sessionManager(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	result, err := s.invoker.Invoke(ctx, sessionManager, "Login", Args{
		"userName": s.config.Username,
		"password": s.config.Password,
	})
	if err != nil {
		return errors.Annotate(err, "logging in to endpoint")
	}
	userSession, ok := result.(types.UserSession)
	if !ok {
		return errors.Errorf("unexpected Login response type %T", result)
	}

	s.mu.Lock()
	prev := s.sessionID
	s.sessionID = userSession.Key
	// Login matches the username case-insensitively but
	// SessionIsActive does not, so record it exactly as the server
	// returned it.
	s.sessionUsername = userSession.UserName
	s.mu.Unlock()

	if prev != "" {
		logger.Debugf("replacing stale session %s", truncateID(prev))
	}
	logger.Infof("new session created with ID %s", truncateID(userSession.Key))

	if s.policy != nil {
		s.policy.SetSessionCookie(s.invoker.SessionCookie())
	}
	return nil
}

// IsCurrentSessionActive reports whether the server still considers
// the current session active. Any failure to determine this is
// reported as inactive. The result is inherently racy; the server may
// expire the session immediately after answering.
func (s *Session) IsCurrentSessionActive(ctx context.Context) bool {
	s.mu.Lock()
	sessionID, username := s.sessionID, s.sessionUsername
	s.mu.Unlock()
	if sessionID == "" {
		return false
	}
	sessionManager, err := s.sessionManager(ctx)
	if err != nil {
		logger.Debugf("session activity check failed: %v", err)
		return false
	}
	result, err := s.invoker.Invoke(ctx, sessionManager, "SessionIsActive", Args{
		"sessionID": sessionID,
		"userName":  username,
	})
	if err != nil {
		logger.Debugf("session %s activity check failed: %v", truncateID(sessionID), err)
		return false
	}
	active, _ := result.(bool)
	return active
}

// Logout ends the current session. Logout is best effort: a failure
// is logged, not returned, and the recorded session identity is kept
// so a later attempt can still clean up. It is cleared only when the
// server confirms the logout.
func (s *Session) Logout(ctx context.Context) {
	sessionID := s.currentSessionID()
	if sessionID == "" {
		logger.Debugf("no session exists to log out")
		return
	}
	logger.Infof("logging out session %s", truncateID(sessionID))
	sessionManager, err := s.sessionManager(ctx)
	if err != nil {
		logger.Warningf("logging out session %s: %v", truncateID(sessionID), err)
		return
	}
	if _, err := s.invoker.Invoke(ctx, sessionManager, "Logout", nil); err != nil {
		logger.Warningf("logging out session %s: %v", truncateID(sessionID), err)
		return
	}
	s.mu.Lock()
	s.sessionID = ""
	s.sessionUsername = ""
	s.mu.Unlock()
}

// TerminateSession forcibly ends another session by its full ID.
// Terminating the current session is an error on the server side; use
// Logout for that.
func (s *Session) TerminateSession(ctx context.Context, sessionID string) error {
	sessionManager, err := s.sessionManager(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.InvokeAPI(ctx, sessionManager, "TerminateSession", Args{
		"sessionId": sessionID,
	})
	return errors.Trace(err)
}

// SessionCookie returns the value of the endpoint's session cookie,
// for handing to side-channel transfers (e.g. virtual disk uploads)
// that authenticate with the same session.
func (s *Session) SessionCookie() string {
	return s.invoker.SessionCookie()
}

// InvokeAPI invokes the named method on the target managed object.
//
// Calls failing with connection or overload errors are retried with
// incremental backoff up to APIRetryCount times. A call rejected
// because the server expired the session triggers transparent
// re-login and is then retried. A nil result with a nil error means
// the server returned an empty response while the session was still
// live, i.e. a legitimately empty result set.
func (s *Session) InvokeAPI(ctx context.Context, target types.ManagedObjectReference, method string, args Args) (interface{}, error) {
	return s.invokeOn(ctx, s.invoker, target, method, args, false)
}

func (s *Session) invokeOn(
	ctx context.Context,
	invoker Invoker,
	target types.ManagedObjectReference,
	method string,
	args Args,
	skipOpID bool,
) (interface{}, error) {
	strategy := retryStrategy{
		maxRetries:       *s.config.APIRetryCount,
		backoffIncrement: s.config.BackoffIncrement,
		maxBackoff:       s.config.MaxBackoff,
		isRetryable: func(err error) bool {
			return IsConnectionError(err) || IsSessionOverloadError(err)
		},
	}
	var result interface{}
	err := callWithRetry(ctx, s.clock, strategy, method, func() error {
		var err error
		result, err = s.invokeOnce(ctx, invoker, target, method, args, skipOpID)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

func (s *Session) invokeOnce(
	ctx context.Context,
	invoker Invoker,
	target types.ManagedObjectReference,
	method string,
	args Args,
	skipOpID bool,
) (interface{}, error) {
	if skipOpID {
		ctx = withoutOpID(ctx)
	}
	result, err := invoker.Invoke(ctx, target, method, args)
	if err == nil {
		return result, nil
	}

	switch {
	case IsNotAuthenticatedFault(err):
		if s.IsCurrentSessionActive(ctx) {
			// The fault came from an empty response on a live
			// session: the result set really is empty.
			logger.Debugf("empty response for %s on active session", method)
			return nil, nil
		}
		logger.Warningf("session expired; re-creating before retrying %s", method)
		if serr := s.ensureSession(ctx); serr != nil {
			return nil, errors.Trace(serr)
		}
		return nil, newError(ErrConnection, fmt.Sprintf("not authenticated calling %s", method), err)
	case IsConnectionError(err):
		// A transient network glitch can fail the call while the
		// session is still valid; only re-create it if the server no
		// longer recognises it.
		if !s.IsCurrentSessionActive(ctx) {
			if serr := s.ensureSession(ctx); serr != nil {
				logger.Warningf("failed to re-create session: %v", serr)
			}
		}
		return nil, errors.Trace(err)
	}

	var serverErr *Error
	if errors.As(err, &serverErr) && len(serverErr.Faults) > 0 {
		return nil, s.registry.translate(serverErr)
	}
	return nil, errors.Trace(err)
}

func (s *Session) sessionManager(ctx context.Context) (types.ManagedObjectReference, error) {
	content, err := s.invoker.ServiceContent(ctx)
	if err != nil {
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	if content.SessionManager == nil {
		return types.ManagedObjectReference{}, errors.New("endpoint reports no session manager")
	}
	return *content.SessionManager, nil
}

func (s *Session) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// truncateID returns the last few characters of a session ID, enough
// for log correlation without recording a usable credential.
func truncateID(id string) string {
	if len(id) > 5 {
		return id[len(id)-5:]
	}
	return id
}
