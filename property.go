// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"

	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/types"
)

// RetrieveProperty retrieves a single property of a managed object.
// A nil value with a nil error means the object has no such property
// (or the property is unset).
func (s *Session) RetrieveProperty(ctx context.Context, obj types.ManagedObjectReference, name string) (types.AnyType, error) {
	return s.retrieveProperty(ctx, obj, name, false)
}

func (s *Session) retrieveProperty(
	ctx context.Context,
	obj types.ManagedObjectReference,
	name string,
	skipOpID bool,
) (types.AnyType, error) {
	content, err := s.invoker.ServiceContent(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := s.invokeOn(ctx, s.invoker, content.PropertyCollector, "RetrievePropertiesEx", Args{
		"specSet": []types.PropertyFilterSpec{{
			PropSet: []types.PropertySpec{{
				Type:    obj.Type,
				PathSet: []string{name},
			}},
			ObjectSet: []types.ObjectSpec{{Obj: obj}},
		}},
		"options": types.RetrieveOptions{},
	}, skipOpID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result == nil {
		// Empty response on a live session.
		return nil, nil
	}
	res, ok := result.(*types.RetrieveResult)
	if !ok {
		return nil, errors.Errorf("unexpected RetrievePropertiesEx response type %T", result)
	}
	return firstPropertyValue(res, name), nil
}

func firstPropertyValue(res *types.RetrieveResult, name string) types.AnyType {
	for _, obj := range res.Objects {
		for _, prop := range obj.PropSet {
			if prop.Name == name {
				return prop.Val
			}
		}
	}
	return nil
}

// RetrieveObjects retrieves the named properties of every object of
// the given type reachable from the root folder, following the
// standard containment hierarchy. Results are fetched in pages of
// maxObjects; zero means the server's default page size.
func (s *Session) RetrieveObjects(
	ctx context.Context,
	objType string,
	pathSet []string,
	maxObjects int32,
) ([]types.ObjectContent, error) {
	content, err := s.invoker.ServiceContent(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result, err := s.invokeOn(ctx, s.invoker, content.PropertyCollector, "RetrievePropertiesEx", Args{
		"specSet": []types.PropertyFilterSpec{{
			PropSet: []types.PropertySpec{{
				Type:    objType,
				PathSet: pathSet,
			}},
			ObjectSet: []types.ObjectSpec{{
				Obj:       content.RootFolder,
				Skip:      types.NewBool(false),
				SelectSet: recursiveTraversal(),
			}},
		}},
		"options": types.RetrieveOptions{MaxObjects: maxObjects},
	}, false)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var objects []types.ObjectContent
	for result != nil {
		res, ok := result.(*types.RetrieveResult)
		if !ok {
			return nil, errors.Errorf("unexpected property retrieval response type %T", result)
		}
		objects = append(objects, res.Objects...)
		if res.Token == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			s.cancelRetrieval(ctx, content.PropertyCollector, res.Token)
			return nil, errors.Trace(err)
		}
		result, err = s.invokeOn(ctx, s.invoker, content.PropertyCollector, "ContinueRetrievePropertiesEx", Args{
			"token": res.Token,
		}, false)
		if err != nil {
			s.cancelRetrieval(ctx, content.PropertyCollector, res.Token)
			return nil, errors.Trace(err)
		}
	}
	return objects, nil
}

// cancelRetrieval tells the server to drop the remaining pages of an
// abandoned retrieval. Best effort; the server reclaims abandoned
// retrievals on session expiry anyway.
func (s *Session) cancelRetrieval(ctx context.Context, collector types.ManagedObjectReference, token string) {
	// The caller's context may already be done.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := s.invoker.Invoke(ctx, collector, "CancelRetrievePropertiesEx", Args{
		"token": token,
	}); err != nil {
		logger.Debugf("cancelling property retrieval: %v", err)
	}
}

// recursiveTraversal is the selection spec set walking the standard
// containment hierarchy: folders to child entities, datacenters to
// their vm/host/datastore/network folders, compute resources to hosts
// and resource pools, and resource pools to child pools and VMs.
func recursiveTraversal() []types.BaseSelectionSpec {
	sel := func(names ...string) []types.BaseSelectionSpec {
		specs := make([]types.BaseSelectionSpec, len(names))
		for i, name := range names {
			specs[i] = &types.SelectionSpec{Name: name}
		}
		return specs
	}
	traverse := func(name, objType, path string, selectNames ...string) types.BaseSelectionSpec {
		return &types.TraversalSpec{
			SelectionSpec: types.SelectionSpec{Name: name},
			Type:          objType,
			Path:          path,
			Skip:          types.NewBool(false),
			SelectSet:     sel(selectNames...),
		}
	}
	return []types.BaseSelectionSpec{
		traverse("visitFolders", "Folder", "childEntity",
			"visitFolders", "dcToVmf", "dcToHf", "dcToDs", "dcToNetf",
			"crToH", "crToRp", "rpToRp", "hToVm", "rpToVm"),
		traverse("dcToVmf", "Datacenter", "vmFolder", "visitFolders"),
		traverse("dcToHf", "Datacenter", "hostFolder", "visitFolders"),
		traverse("dcToDs", "Datacenter", "datastoreFolder", "visitFolders"),
		traverse("dcToNetf", "Datacenter", "networkFolder", "visitFolders"),
		traverse("crToH", "ComputeResource", "host"),
		traverse("crToRp", "ComputeResource", "resourcePool", "rpToRp", "rpToVm"),
		traverse("rpToRp", "ResourcePool", "resourcePool", "rpToRp", "rpToVm"),
		traverse("hToVm", "HostSystem", "vm", "visitFolders"),
		traverse("rpToVm", "ResourcePool", "vm"),
	}
}
