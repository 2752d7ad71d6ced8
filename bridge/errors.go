package bridge

import (
	"errors"
	"fmt"

	"webbridge-rpc/message"
)

var (
	// ErrCloneRejected is the cause when the controller answers clone with
	// a falsy result.
	ErrCloneRejected = errors.New("bridge: clone rejected")
	// ErrActivateRejected is the cause when activate returns an error
	// response.
	ErrActivateRejected = errors.New("bridge: activate rejected")
	// ErrAlreadyOpen is returned by Open on a manager that is open.
	ErrAlreadyOpen = errors.New("bridge: already open")
)

// BootstrapError reports the handshake step that failed. State is the last
// state reached; Response is the controller's answer when there was one.
type BootstrapError struct {
	State    State
	Response *message.Response
	Err      error
}

func (e *BootstrapError) Error() string {
	if e.Response != nil && e.Response.Error != nil {
		return fmt.Sprintf("bridge: bootstrap failed after %s: %v: %v", e.State, e.Err, e.Response.Error)
	}
	return fmt.Sprintf("bridge: bootstrap failed after %s: %v", e.State, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }
