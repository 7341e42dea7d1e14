package connectivity

import "fmt"

// ErrServiceNotFound is returned when Call targets an unregistered service.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not registered: %s", e.Service)
}

// ErrCircuitOpen is returned when a breaker rejects a call without
// attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}
