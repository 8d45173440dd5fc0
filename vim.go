// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/utils/v3"
	"github.com/kr/pretty"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// sessionCookieName is the cookie the endpoint issues at login. It is
// matched case-insensitively.
const sessionCookieName = "vmware_soap_session"

// Response fragments suggesting an API call overload at the server
// rather than a plain connection problem.
const (
	addressInUseError = "Address already in use"
	connAbortError    = "Software caused connection abort"
	respNotXMLError   = `Response is "text/html", not "text/xml"`
)

var serviceInstance = types.ManagedObjectReference{
	Type:  "ServiceInstance",
	Value: "ServiceInstance",
}

// vimInvoker is the govmomi-backed EndpointInvoker for the VIM SOAP
// endpoint.
type vimInvoker struct {
	client     *soap.Client
	url        *url.URL
	opIDPrefix string

	mu      sync.Mutex
	content *types.ServiceContent
}

func newVimInvoker(config Config) (*vimInvoker, error) {
	u := config.endpointURL(vimPath)
	client := soap.NewClient(u, config.Insecure)
	client.Namespace = "urn:" + vim25.Namespace
	client.Version = vim25.Version
	if config.CACertFile != "" {
		if err := client.SetRootCAs(config.CACertFile); err != nil {
			return nil, errors.Annotate(err, "loading CA certificates")
		}
	}
	if t, ok := client.Transport.(*http.Transport); ok && config.PoolSize > 0 {
		t.MaxIdleConnsPerHost = config.PoolSize
	}
	client.Timeout = config.ConnectionTimeout
	return &vimInvoker{client: client, url: u, opIDPrefix: config.OpIDPrefix}, nil
}

const vimPath = "/sdk"

// Invoke is part of the Invoker interface.
func (v *vimInvoker) Invoke(ctx context.Context, target types.ManagedObjectReference, method string, args Args) (interface{}, error) {
	call, ok := vimCalls[method]
	if !ok {
		return nil, newError(ErrUnknownMethod, fmt.Sprintf("no such SOAP method %q", method), nil)
	}
	if !opIDSkipped(ctx) {
		opID := fmt.Sprintf("%s-%s", v.opIDPrefix, utils.MustNewUUID().String())
		ctx = v.client.WithHeader(ctx, soap.Header{ID: opID})
		if method == "Login" {
			logger.Tracef("invoking %s [opID %s]", method, opID)
		} else {
			logger.Tracef("invoking %s on %s [opID %s]: %# v", method, target.Value, opID, pretty.Formatter(args))
		}
	}
	result, err := call(ctx, v.client, target, args)
	if err != nil {
		return nil, classifySOAPError(method, err)
	}
	if method == "RetrievePropertiesEx" {
		if err := checkRetrieveResult(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ServiceContent is part of the EndpointInvoker interface.
func (v *vimInvoker) ServiceContent(ctx context.Context) (types.ServiceContent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.content != nil {
		return *v.content, nil
	}
	resp, err := methods.RetrieveServiceContent(ctx, v.client, &types.RetrieveServiceContent{
		This: serviceInstance,
	})
	if err != nil {
		return types.ServiceContent{}, classifySOAPError("RetrieveServiceContent", err)
	}
	v.content = &resp.Returnval
	return resp.Returnval, nil
}

// SessionCookie is part of the EndpointInvoker interface.
func (v *vimInvoker) SessionCookie() string {
	if v.client.Jar == nil {
		return ""
	}
	for _, cookie := range v.client.Jar.Cookies(v.url) {
		if strings.EqualFold(cookie.Name, sessionCookieName) {
			return cookie.Value
		}
	}
	return ""
}

// vimCall adapts one named VIM method to its generated binding.
type vimCall func(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error)

// vimCalls is the dispatch table from method name to binding. A method
// absent from the table is an explicit lookup miss, reported as an
// unknown-method error rather than attempted on the wire.
var vimCalls = map[string]vimCall{
	"Login":                        callLogin,
	"Logout":                       callLogout,
	"TerminateSession":             callTerminateSession,
	"SessionIsActive":              callSessionIsActive,
	"RetrievePropertiesEx":         callRetrievePropertiesEx,
	"ContinueRetrievePropertiesEx": callContinueRetrievePropertiesEx,
	"CancelRetrievePropertiesEx":   callCancelRetrievePropertiesEx,
	"CancelTask":                   callCancelTask,
	"HttpNfcLeaseProgress":         callHttpNfcLeaseProgress,
	"HttpNfcLeaseAbort":            callHttpNfcLeaseAbort,
	"HttpNfcLeaseComplete":         callHttpNfcLeaseComplete,
}

func callLogin(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	userName, err := stringArg(args, "userName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	password, err := stringArg(args, "password")
	if err != nil {
		return nil, errors.Trace(err)
	}
	locale, _ := args["locale"].(string)
	resp, err := methods.Login(ctx, rt, &types.Login{
		This:     target,
		UserName: userName,
		Password: password,
		Locale:   locale,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

func callLogout(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	_, err := methods.Logout(ctx, rt, &types.Logout{This: target})
	return nil, err
}

func callTerminateSession(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	sessionID, err := stringArg(args, "sessionId")
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, err = methods.TerminateSession(ctx, rt, &types.TerminateSession{
		This:      target,
		SessionId: []string{sessionID},
	})
	return nil, err
}

func callSessionIsActive(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	sessionID, err := stringArg(args, "sessionID")
	if err != nil {
		return nil, errors.Trace(err)
	}
	userName, err := stringArg(args, "userName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := methods.SessionIsActive(ctx, rt, &types.SessionIsActive{
		This:      target,
		SessionID: sessionID,
		UserName:  userName,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

func callRetrievePropertiesEx(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	specSet, ok := args["specSet"].([]types.PropertyFilterSpec)
	if !ok {
		return nil, errors.Errorf("argument %q has unexpected type %T", "specSet", args["specSet"])
	}
	options, _ := args["options"].(types.RetrieveOptions)
	resp, err := methods.RetrievePropertiesEx(ctx, rt, &types.RetrievePropertiesEx{
		This:    target,
		SpecSet: specSet,
		Options: options,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

func callContinueRetrievePropertiesEx(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	token, err := stringArg(args, "token")
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := methods.ContinueRetrievePropertiesEx(ctx, rt, &types.ContinueRetrievePropertiesEx{
		This:  target,
		Token: token,
	})
	if err != nil {
		return nil, err
	}
	return &resp.Returnval, nil
}

func callCancelRetrievePropertiesEx(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	token, err := stringArg(args, "token")
	if err != nil {
		return nil, errors.Trace(err)
	}
	_, err = methods.CancelRetrievePropertiesEx(ctx, rt, &types.CancelRetrievePropertiesEx{
		This:  target,
		Token: token,
	})
	return nil, err
}

func callCancelTask(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	_, err := methods.CancelTask(ctx, rt, &types.CancelTask{This: target})
	return nil, err
}

func callHttpNfcLeaseProgress(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	percent, ok := args["percent"].(int32)
	if !ok {
		return nil, errors.Errorf("argument %q has unexpected type %T", "percent", args["percent"])
	}
	_, err := methods.HttpNfcLeaseProgress(ctx, rt, &types.HttpNfcLeaseProgress{
		This:    target,
		Percent: percent,
	})
	return nil, err
}

func callHttpNfcLeaseAbort(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	fault, _ := args["fault"].(*types.LocalizedMethodFault)
	_, err := methods.HttpNfcLeaseAbort(ctx, rt, &types.HttpNfcLeaseAbort{
		This:  target,
		Fault: fault,
	})
	return nil, err
}

func callHttpNfcLeaseComplete(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	_, err := methods.HttpNfcLeaseComplete(ctx, rt, &types.HttpNfcLeaseComplete{This: target})
	return nil, err
}

func stringArg(args Args, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", errors.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("argument %q has unexpected type %T", name, v)
	}
	return s, nil
}

// checkRetrieveResult inspects a RetrievePropertiesEx response for
// faults carried in the body rather than the SOAP envelope.
//
// An idle-timed-out session produces an empty response, which at this
// layer is indistinguishable from a legitimately empty result set; it
// is reported as a NotAuthenticated fault and disambiguated by the
// session's liveness check.
func checkRetrieveResult(result interface{}) error {
	res, _ := result.(*types.RetrieveResult)
	if res == nil {
		logger.Debugf("empty RetrievePropertiesEx response; setting fault to %s", NotAuthenticated)
		e := newError(ErrServerFault, "RetrievePropertiesEx returned an empty response", nil)
		e.Faults = []string{NotAuthenticated}
		return e
	}
	var faults []string
	details := make(map[string]string)
	for _, content := range res.Objects {
		for _, missing := range content.MissingSet {
			name := vimFaultName(missing.Fault.Fault)
			if name == "" {
				continue
			}
			faults = append(faults, name)
			for k, v := range faultDetails(missing.Fault.Fault) {
				details[k] = v
			}
		}
	}
	if len(faults) > 0 {
		e := newError(ErrServerFault, "error occurred while calling RetrievePropertiesEx", nil)
		e.Faults = faults
		if len(details) > 0 {
			e.Details = details
		}
		return e
	}
	return nil
}

// classifySOAPError maps a govmomi round-trip failure onto the
// package's error taxonomy.
func classifySOAPError(method string, err error) error {
	if soap.IsSoapFault(err) {
		fault := soap.ToSoapFault(err)
		name := vimFaultName(fault.VimFault())
		// PBM endpoints report session expiry as SecurityError on some
		// server versions.
		if name == SecurityError {
			name = NotAuthenticated
		}
		e := newError(ErrServerFault, fault.String, err)
		if name != "" {
			e.Faults = []string{name}
		}
		if details := faultDetails(fault.VimFault()); len(details) > 0 {
			e.Details = details
		}
		return e
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, addressInUseError),
		strings.Contains(msg, connAbortError),
		strings.Contains(msg, respNotXMLError):
		return newError(ErrSessionOverload, fmt.Sprintf("possible server overload in %s", method), err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrConnection, fmt.Sprintf("connection error in %s", method), err)
	}
	return errors.Annotatef(err, "RPC %s failed", method)
}

// faultDetails extracts the string details carried by well-known
// fault bodies.
func faultDetails(fault types.AnyType) map[string]string {
	switch f := fault.(type) {
	case types.NoPermission:
		return noPermissionDetails(&f)
	case *types.NoPermission:
		return noPermissionDetails(f)
	}
	return nil
}

func noPermissionDetails(f *types.NoPermission) map[string]string {
	details := map[string]string{
		"privilegeId": f.PrivilegeId,
	}
	if f.Object != nil {
		details["object"] = f.Object.Value
	}
	return details
}
