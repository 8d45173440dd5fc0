// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient_test

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/juju/testing"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/juju/vsphereclient"
)

var (
	_ vsphereclient.EndpointInvoker = (*fakeInvoker)(nil)
	_ vsphereclient.PolicyInvoker   = (*fakePolicyInvoker)(nil)
)

type fakeCall struct {
	result interface{}
	err    error
}

// fakeInvoker simulates the VIM endpoint: it maintains session state
// the way the server does, and lets tests script responses for
// individual methods ahead of the built-in behaviour.
type fakeInvoker struct {
	stub *testing.Stub

	mu            sync.Mutex
	content       types.ServiceContent
	queued        map[string][]fakeCall
	loginCount    int
	sessions      map[string]string
	activeSession string
	username      string
	cookie        string
	untaggedCalls int
}

func newFakeInvoker() *fakeInvoker {
	sessionManager := types.ManagedObjectReference{Type: "SessionManager", Value: "SessionManager"}
	return &fakeInvoker{
		stub: &testing.Stub{},
		content: types.ServiceContent{
			RootFolder:        types.ManagedObjectReference{Type: "Folder", Value: "group-d1"},
			PropertyCollector: types.ManagedObjectReference{Type: "PropertyCollector", Value: "propertyCollector"},
			SessionManager:    &sessionManager,
		},
		queued:   make(map[string][]fakeCall),
		sessions: make(map[string]string),
		username: "USER@vsphere.local",
	}
}

// enqueue scripts the next response for the named method, ahead of
// the built-in behaviour.
func (f *fakeInvoker) enqueue(method string, result interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[method] = append(f.queued[method], fakeCall{result: result, err: err})
}

// expireSession drops the active session, as the server does on idle
// timeout.
func (f *fakeInvoker) expireSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeSession = ""
}

// callsOf returns the recorded calls to the named method.
func (f *fakeInvoker) callsOf(method string) []testing.StubCall {
	var calls []testing.StubCall
	for _, call := range f.stub.Calls() {
		if call.FuncName == method {
			calls = append(calls, call)
		}
	}
	return calls
}

func (f *fakeInvoker) callCount(method string) int {
	return len(f.callsOf(method))
}

func (f *fakeInvoker) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCount
}

// untagged returns how many calls arrived marked to skip operation ID
// tagging.
func (f *fakeInvoker) untagged() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.untaggedCalls
}

func (f *fakeInvoker) Invoke(ctx context.Context, target types.ManagedObjectReference, method string, args vsphereclient.Args) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vsphereclient.OpIDSkipped(ctx) {
		f.untaggedCalls++
	}
	f.stub.AddCall(method, target, args)
	if queue := f.queued[method]; len(queue) > 0 {
		call := queue[0]
		f.queued[method] = queue[1:]
		return call.result, call.err
	}
	switch method {
	case "Login":
		f.loginCount++
		id := fmt.Sprintf("523581c2-session-%d", f.loginCount)
		f.sessions[id] = f.username
		f.activeSession = id
		f.cookie = fmt.Sprintf("cookie-%d", f.loginCount)
		return types.UserSession{Key: id, UserName: f.username}, nil
	case "SessionIsActive":
		id, _ := args["sessionID"].(string)
		user, _ := args["userName"].(string)
		return id != "" && id == f.activeSession && f.sessions[id] == user, nil
	case "Logout":
		f.activeSession = ""
		return nil, nil
	case "TerminateSession":
		return nil, nil
	case "CancelRetrievePropertiesEx", "CancelTask",
		"HttpNfcLeaseAbort", "HttpNfcLeaseComplete", "HttpNfcLeaseProgress":
		return nil, nil
	}
	return nil, errors.Errorf("no scripted response for %q", method)
}

func (f *fakeInvoker) ServiceContent(ctx context.Context) (types.ServiceContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, nil
}

func (f *fakeInvoker) SessionCookie() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookie
}

// fakePolicyInvoker simulates the PBM endpoint. Every method must be
// scripted; there is no built-in behaviour beyond bookkeeping.
type fakePolicyInvoker struct {
	stub *testing.Stub

	mu       sync.Mutex
	queued   map[string][]fakeCall
	cookies  []string
	endpoint *url.URL
}

func newFakePolicyInvoker() *fakePolicyInvoker {
	return &fakePolicyInvoker{
		stub:   &testing.Stub{},
		queued: make(map[string][]fakeCall),
	}
}

func (f *fakePolicyInvoker) enqueue(method string, result interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[method] = append(f.queued[method], fakeCall{result: result, err: err})
}

func (f *fakePolicyInvoker) callCount(method string) int {
	n := 0
	for _, call := range f.stub.Calls() {
		if call.FuncName == method {
			n++
		}
	}
	return n
}

func (f *fakePolicyInvoker) sessionCookies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cookies...)
}

func (f *fakePolicyInvoker) Invoke(ctx context.Context, target types.ManagedObjectReference, method string, args vsphereclient.Args) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stub.AddCall(method, target, args)
	if queue := f.queued[method]; len(queue) > 0 {
		call := queue[0]
		f.queued[method] = queue[1:]
		return call.result, call.err
	}
	return nil, errors.Errorf("no scripted response for %q", method)
}

func (f *fakePolicyInvoker) SetSessionCookie(cookie string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookie)
}

func (f *fakePolicyInvoker) UpdateEndpoint(u *url.URL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stub.AddCall("UpdateEndpoint", u)
	f.endpoint = u
	return nil
}

func (f *fakePolicyInvoker) ProfileManager(ctx context.Context) (types.ManagedObjectReference, error) {
	return types.ManagedObjectReference{Type: "PbmProfileProfileManager", Value: "ProfileManager"}, nil
}

// mutexTracker stands in for the machine-wide session creation lock.
// Like the real thing it is exclusive: acquire blocks until the
// current holder releases.
type mutexTracker struct {
	lock sync.Mutex

	mu       sync.Mutex
	acquired []string
	releases int
}

func (m *mutexTracker) acquire(spec mutex.Spec) (mutex.Releaser, error) {
	m.lock.Lock()
	m.mu.Lock()
	m.acquired = append(m.acquired, spec.Name)
	m.mu.Unlock()
	return releaseFunc(func() {
		m.mu.Lock()
		m.releases++
		m.mu.Unlock()
		m.lock.Unlock()
	}), nil
}

func (m *mutexTracker) counts() (acquires, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acquired), m.releases
}

type releaseFunc func()

func (f releaseFunc) Release() { f() }

// connectionError, overloadError and notAuthFault build errors
// classified the way the transport boundary classifies real failures.
func connectionError(msg string) error {
	return vsphereclient.NewTypedError(vsphereclient.ErrConnection, msg)
}

func overloadError(msg string) error {
	return vsphereclient.NewTypedError(vsphereclient.ErrSessionOverload, msg)
}

func notAuthFault() error {
	return vsphereclient.NewServerFault(
		"RetrievePropertiesEx returned an empty response", nil,
		vsphereclient.NotAuthenticated,
	)
}

func propResult(obj types.ManagedObjectReference, name string, val types.AnyType) *types.RetrieveResult {
	return &types.RetrieveResult{
		Objects: []types.ObjectContent{{
			Obj:     obj,
			PropSet: []types.DynamicProperty{{Name: name, Val: val}},
		}},
	}
}
