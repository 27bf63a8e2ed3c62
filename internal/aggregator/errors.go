package aggregator

import (
	"errors"
	"fmt"
)

var (
	// ErrServerUnavailable is returned when a call targets a server that is
	// not connected.
	ErrServerUnavailable = errors.New("aggregator: server unavailable")
	// ErrServerBusy is returned when a session's request queue is full.
	ErrServerBusy = errors.New("aggregator: server busy")
	// ErrServerDrained is returned for requests rejected during shutdown of
	// a session.
	ErrServerDrained = errors.New("aggregator: server draining")
	// ErrToolNotFound is returned when no handler or backend owns the name.
	ErrToolNotFound = errors.New("aggregator: tool not found")
	// ErrNameTaken is returned when a registration collides with an
	// existing server name in the same scope.
	ErrNameTaken = errors.New("aggregator: server name already registered")
)

// CodeAuthorizationRequired is the JSON-RPC error code carried by both the
// REST surface and MCP tool results when a call is parked behind a pending
// authorization request.
const CodeAuthorizationRequired = -32002

// AuthorizationRequiredError reports that a HIGH-security call was parked
// behind a human-in-the-loop request.
type AuthorizationRequiredError struct {
	RequestID string
	ToolName  string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s (request %s)", e.ToolName, e.RequestID)
}
