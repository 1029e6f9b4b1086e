// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested project or entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRequest indicates bad caller input (duplicate name, unknown
// project, malformed state). Recoverable by the caller.
var ErrInvalidRequest = errors.New("invalid request")

// ErrPathEscape indicates a path resolved outside the owning project root.
// Fatal to the operation; state is left untouched.
var ErrPathEscape = errors.New("path escapes project root")

// ErrSandboxUnavailable indicates the container proxy is unreachable or an
// image pull failed. Triggers code-review-only verification.
var ErrSandboxUnavailable = errors.New("sandbox unavailable")

// ErrAgentError indicates an LLM call failed or returned unparseable output.
var ErrAgentError = errors.New("agent error")

// ErrAtCapacity indicates the running-project pool is full. Returned
// synchronously from Start; callers retry explicitly.
var ErrAtCapacity = errors.New("at capacity")

// ErrAlreadyRunning indicates a start request for a project whose loop is
// already active.
var ErrAlreadyRunning = errors.New("project already running")
