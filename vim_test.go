// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

package vsphereclient_test

import (
	"io"
	"net/url"

	"github.com/juju/errors"
	coretesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	gc "gopkg.in/check.v1"

	"github.com/juju/vsphereclient"
)

type classifySuite struct {
	coretesting.IsolationSuite
}

var _ = gc.Suite(&classifySuite{})

func soapFault(msg string, detail types.AnyType) error {
	fault := &soap.Fault{
		Code:   "ServerFaultCode",
		String: msg,
	}
	fault.Detail.Fault = detail
	return soap.WrapSoapFault(fault)
}

func (s *classifySuite) TestSoapFault(c *gc.C) {
	err := vsphereclient.ClassifySOAPError("Destroy_Task",
		soapFault("The object has already been deleted", types.ManagedObjectNotFound{}))
	var e *vsphereclient.Error
	c.Assert(errors.As(err, &e), jc.IsTrue)
	c.Check(errors.Is(e, vsphereclient.ErrServerFault), jc.IsTrue)
	c.Check(e.Faults, jc.DeepEquals, []string{vsphereclient.ManagedObjectNotFound})
	c.Check(e.Message(), gc.Equals, "The object has already been deleted")
}

func (s *classifySuite) TestSecurityErrorNormalized(c *gc.C) {
	err := vsphereclient.ClassifySOAPError("RetrievePropertiesEx",
		soapFault("The session is not authenticated", types.SecurityError{}))
	c.Check(err, jc.Satisfies, vsphereclient.IsNotAuthenticatedFault)
}

func (s *classifySuite) TestNoPermissionDetails(c *gc.C) {
	err := vsphereclient.ClassifySOAPError("Destroy_Task",
		soapFault("Permission to perform this operation was denied",
			types.NoPermission{PrivilegeId: "VirtualMachine.Inventory.Delete"}))
	var e *vsphereclient.Error
	c.Assert(errors.As(err, &e), jc.IsTrue)
	c.Check(e.Faults, jc.DeepEquals, []string{vsphereclient.NoPermission})
	c.Check(e.Details["privilegeId"], gc.Equals, "VirtualMachine.Inventory.Delete")
}

func (s *classifySuite) TestOverloadHeuristics(c *gc.C) {
	for _, msg := range []string{
		"Post failed: Address already in use",
		"read tcp: Software caused connection abort",
		`Response is "text/html", not "text/xml"`,
	} {
		err := vsphereclient.ClassifySOAPError("CreateVM_Task", errors.New(msg))
		c.Check(err, jc.Satisfies, vsphereclient.IsSessionOverloadError,
			gc.Commentf("message %q", msg))
	}
}

func (s *classifySuite) TestURLErrorIsConnectionError(c *gc.C) {
	err := vsphereclient.ClassifySOAPError("Login", &url.Error{
		Op:  "Post",
		URL: "https://vsphere.test/sdk",
		Err: io.EOF,
	})
	c.Check(err, jc.Satisfies, vsphereclient.IsConnectionError)
}

func (s *classifySuite) TestUnclassifiedErrorStaysUntyped(c *gc.C) {
	err := vsphereclient.ClassifySOAPError("Login", errors.New("mysterious failure"))
	c.Check(err, gc.Not(jc.Satisfies), vsphereclient.IsConnectionError)
	c.Check(err, gc.Not(jc.Satisfies), vsphereclient.IsSessionOverloadError)
	c.Check(err, gc.ErrorMatches, "RPC Login failed: mysterious failure")
}

func (s *classifySuite) TestCheckRetrieveResultEmpty(c *gc.C) {
	err := vsphereclient.CheckRetrieveResult((*types.RetrieveResult)(nil))
	c.Assert(err, jc.Satisfies, vsphereclient.IsNotAuthenticatedFault)
}

func (s *classifySuite) TestCheckRetrieveResultMissingSetFaults(c *gc.C) {
	result := &types.RetrieveResult{
		Objects: []types.ObjectContent{{
			Obj: types.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-1"},
			MissingSet: []types.MissingProperty{{
				Path: "config",
				Fault: types.LocalizedMethodFault{
					Fault: &types.NoPermission{PrivilegeId: "System.Read"},
				},
			}},
		}},
	}
	err := vsphereclient.CheckRetrieveResult(result)
	var e *vsphereclient.Error
	c.Assert(errors.As(err, &e), jc.IsTrue)
	c.Check(e.Faults, jc.DeepEquals, []string{vsphereclient.NoPermission})
	c.Check(e.Details["privilegeId"], gc.Equals, "System.Read")
}

func (s *classifySuite) TestCheckRetrieveResultClean(c *gc.C) {
	vm := types.ManagedObjectReference{Type: "VirtualMachine", Value: "vm-1"}
	c.Check(vsphereclient.CheckRetrieveResult(propResult(vm, "name", "one")), jc.ErrorIsNil)
}
