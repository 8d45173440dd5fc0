// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/juju/errors"
	pbmmethods "github.com/vmware/govmomi/pbm/methods"
	pbmtypes "github.com/vmware/govmomi/pbm/types"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

const (
	pbmPath      = "/pbm"
	pbmNamespace = "urn:pbm"
)

var pbmServiceInstance = types.ManagedObjectReference{
	Type:  "PbmServiceInstance",
	Value: "ServiceInstance",
}

// policyInvoker is the govmomi-backed PolicyInvoker for the storage
// policy (PBM) endpoint. The PBM endpoint has no login of its own; it
// authenticates each call with the main endpoint's session cookie,
// carried in the SOAP header.
type policyInvoker struct {
	config Config

	mu      sync.Mutex
	client  *soap.Client
	url     *url.URL
	cookie  string
	content *pbmtypes.PbmServiceInstanceContent
}

func newPolicyInvoker(config Config) (*policyInvoker, error) {
	u := config.endpointURL(pbmPath)
	client, err := newPBMSoapClient(config, u)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &policyInvoker{config: config, client: client, url: u}, nil
}

func newPBMSoapClient(config Config, u *url.URL) (*soap.Client, error) {
	client := soap.NewClient(u, config.Insecure)
	client.Namespace = pbmNamespace
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
	return client, nil
}

// Invoke is part of the Invoker interface.
func (p *policyInvoker) Invoke(ctx context.Context, target types.ManagedObjectReference, method string, args Args) (interface{}, error) {
	call, ok := pbmCalls[method]
	if !ok {
		return nil, newError(ErrUnknownMethod, fmt.Sprintf("no such SOAP method %q", method), nil)
	}
	p.mu.Lock()
	client, cookie := p.client, p.cookie
	p.mu.Unlock()
	ctx = client.WithHeader(ctx, soap.Header{Cookie: cookie})
	result, err := call(ctx, client, target, args)
	if err != nil {
		return nil, classifySOAPError(method, err)
	}
	return result, nil
}

// SetSessionCookie is part of the PolicyInvoker interface.
func (p *policyInvoker) SetSessionCookie(cookie string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookie = cookie
}

// UpdateEndpoint is part of the PolicyInvoker interface. It points
// the invoker at a different PBM endpoint, dropping cached service
// content but keeping the session cookie.
func (p *policyInvoker) UpdateEndpoint(u *url.URL) error {
	client, err := newPBMSoapClient(p.config, u)
	if err != nil {
		return errors.Trace(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = client
	p.url = u
	p.content = nil
	return nil
}

// ProfileManager is part of the PolicyInvoker interface.
func (p *policyInvoker) ProfileManager(ctx context.Context) (types.ManagedObjectReference, error) {
	content, err := p.serviceContent(ctx)
	if err != nil {
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	return content.ProfileManager, nil
}

func (p *policyInvoker) serviceContent(ctx context.Context) (pbmtypes.PbmServiceInstanceContent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.content != nil {
		return *p.content, nil
	}
	ctx = p.client.WithHeader(ctx, soap.Header{Cookie: p.cookie})
	resp, err := pbmmethods.PbmRetrieveServiceContent(ctx, p.client, &pbmtypes.PbmRetrieveServiceContent{
		This: pbmServiceInstance,
	})
	if err != nil {
		return pbmtypes.PbmServiceInstanceContent{}, classifySOAPError("PbmRetrieveServiceContent", err)
	}
	p.content = &resp.Returnval
	return resp.Returnval, nil
}

type pbmCall func(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error)

var pbmCalls = map[string]pbmCall{
	"PbmQueryProfile":           callPbmQueryProfile,
	"PbmRetrieveContent":        callPbmRetrieveContent,
	"PbmQueryAssociatedProfile": callPbmQueryAssociatedProfile,
}

func callPbmQueryProfile(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	resourceType, ok := args["resourceType"].(pbmtypes.PbmProfileResourceType)
	if !ok {
		return nil, errors.Errorf("argument %q has unexpected type %T", "resourceType", args["resourceType"])
	}
	profileCategory, _ := args["profileCategory"].(string)
	resp, err := pbmmethods.PbmQueryProfile(ctx, rt, &pbmtypes.PbmQueryProfile{
		This:            target,
		ResourceType:    resourceType,
		ProfileCategory: profileCategory,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

func callPbmRetrieveContent(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	profileIDs, ok := args["profileIds"].([]pbmtypes.PbmProfileId)
	if !ok {
		return nil, errors.Errorf("argument %q has unexpected type %T", "profileIds", args["profileIds"])
	}
	resp, err := pbmmethods.PbmRetrieveContent(ctx, rt, &pbmtypes.PbmRetrieveContent{
		This:       target,
		ProfileIds: profileIDs,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

func callPbmQueryAssociatedProfile(ctx context.Context, rt soap.RoundTripper, target types.ManagedObjectReference, args Args) (interface{}, error) {
	entity, ok := args["entity"].(pbmtypes.PbmServerObjectRef)
	if !ok {
		return nil, errors.Errorf("argument %q has unexpected type %T", "entity", args["entity"])
	}
	resp, err := pbmmethods.PbmQueryAssociatedProfile(ctx, rt, &pbmtypes.PbmQueryAssociatedProfile{
		This:   target,
		Entity: entity,
	})
	if err != nil {
		return nil, err
	}
	return resp.Returnval, nil
}

// InvokePBM invokes the named method on the storage policy endpoint,
// with the same retry and session-refresh behaviour as InvokeAPI.
func (s *Session) InvokePBM(ctx context.Context, target types.ManagedObjectReference, method string, args Args) (interface{}, error) {
	if s.policy == nil {
		return nil, errors.NotSupportedf("storage policy API")
	}
	return s.invokeOn(ctx, s.policy, target, method, args, false)
}

// StorageProfiles returns the content of every storage-class profile
// defined on the policy endpoint.
func (s *Session) StorageProfiles(ctx context.Context) ([]pbmtypes.BasePbmProfile, error) {
	if s.policy == nil {
		return nil, errors.NotSupportedf("storage policy API")
	}
	profileManager, err := s.policy.ProfileManager(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := s.InvokePBM(ctx, profileManager, "PbmQueryProfile", Args{
		"resourceType": pbmtypes.PbmProfileResourceType{
			ResourceType: string(pbmtypes.PbmProfileResourceTypeEnumSTORAGE),
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	profileIDs, _ := result.([]pbmtypes.PbmProfileId)
	if len(profileIDs) == 0 {
		return nil, nil
	}
	result, err = s.InvokePBM(ctx, profileManager, "PbmRetrieveContent", Args{
		"profileIds": profileIDs,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	profiles, _ := result.([]pbmtypes.BasePbmProfile)
	return profiles, nil
}

// ProfileIDByName returns the unique ID of the storage profile with
// the given name.
func (s *Session) ProfileIDByName(ctx context.Context, name string) (string, error) {
	profiles, err := s.StorageProfiles(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, profile := range profiles {
		if p := profile.GetPbmProfile(); p != nil && p.Name == name {
			return p.ProfileId.UniqueId, nil
		}
	}
	return "", errors.NotFoundf("storage profile %q", name)
}

// UpdatePolicyEndpoint points the session's storage policy calls at a
// different endpoint URL, e.g. after endpoint failover.
func (s *Session) UpdatePolicyEndpoint(u *url.URL) error {
	if s.policy == nil {
		return errors.NotSupportedf("storage policy API")
	}
	return errors.Trace(s.policy.UpdateEndpoint(u))
}
