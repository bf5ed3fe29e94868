// Package hverr defines the hypervisor's error kinds.
//
// These are kinds, not types: callers switch on errors.Is against a small
// set of sentinels rather than type-asserting a hierarchy. Fatal boot-time
// misconfiguration does not live here; it panics at the call site instead.
package hverr

import "errors"

var (
	// ErrInvalidArgument covers bad vmid, vcpu_id, hIRQ outside any
	// domain, out-of-range type codes, and nil handlers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAgain is the resource-exhausted kind for the virq injection
	// path specifically: no free slot, duplicate pINTID. Callers are
	// expected to retry or accept loss.
	ErrAgain = errors.New("resource temporarily unavailable")

	// ErrResourceExhausted covers other exhaustion: no free vmm_area,
	// no free vIRQ number, vmbox_index saturated.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound covers missing descriptor, VM, vCPU, domain, or hook.
	ErrNotFound = errors.New("not found")

	// ErrProtocol covers guest protocol violations: an IPC publish
	// collision the retry budget couldn't resolve. A trapped read from
	// the vmbox controller panics instead of returning an error.
	ErrProtocol = errors.New("protocol violation")
)

// Kind returns a short label for structured logging; "" if err does not
// match one of the sentinels above.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAgain):
		return "again"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return ""
	}
}
