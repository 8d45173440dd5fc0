// Copyright 2026 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

// Package vsphereclient provides session management and resilient API
// invocation for the vSphere (VIM) SOAP endpoint exposed by ESX and
// vCenter servers.
//
// A Session owns one authenticated context with the server. Every
// remote call made through the session is wrapped with a single
// resilience policy: transient connection failures and server overload
// are retried with incremental backoff, an expired session is
// transparently re-established, and application faults reported by the
// server are translated into typed errors through a fault registry.
// Long-running server-side operations (tasks and HTTP NFC leases) are
// driven to completion with WaitForTask and WaitForLeaseReady.
//
// An optional sibling client for the vCenter storage policy (PBM)
// endpoint shares the primary session's authentication cookie, and is
// refreshed whenever the primary session is.
//
// The session holds no on-disk state; it lives only in process memory
// for the lifetime of the process.
package vsphereclient
