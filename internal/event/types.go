package event

import "github.com/google/uuid"

// Type identifies an event kind
type Type string

const (
	TypeLogin        Type = "login"
	TypeServerSwitch Type = "server_switch"
)

// Event is anything that can be published on the bus
type Event interface {
	Type() Type
}

// Cancellable is implemented by events a handler may veto
type Cancellable interface {
	Event
	Cancel(reason string)
	Cancelled() bool
}

type cancellation struct {
	cancelled bool
	reason    string
}

func (c *cancellation) Cancel(reason string) {
	c.cancelled = true
	c.reason = reason
}

func (c *cancellation) Cancelled() bool {
	return c.cancelled
}

// Reason returns the reason given by the handler that cancelled the event
func (c *cancellation) Reason() string {
	return c.reason
}

// Login is published after the client's chain has been checked and before
// the client is let in. Cancelling it disconnects the client with the
// cancellation reason.
type Login struct {
	cancellation

	SessionID     string
	Username      string
	XUID          string
	UUID          uuid.UUID
	Authenticated bool
	Protocol      int32
}

func (*Login) Type() Type { return TypeLogin }

// ServerSwitch is published before the session connects to a backend.
// Handlers may cancel the switch or change Target to redirect it.
type ServerSwitch struct {
	cancellation

	SessionID string
	Username  string
	// From is the current backend address, empty on the first connect
	From   string
	Target string
}

func (*ServerSwitch) Type() Type { return TypeServerSwitch }
