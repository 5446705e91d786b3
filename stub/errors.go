package stub

import (
	"errors"
	"fmt"
)

// ErrIdleTimeout wraps the read error when a session sends nothing for Server.IdleTimeout.
var ErrIdleTimeout = errors.New("idle timeout")

// ProtocolError is returned when a session sends a byte that isn't a known command. It ends
// that session only.
type ProtocolError struct {
	Command byte
}

func (me *ProtocolError) Error() string {
	return fmt.Sprintf("received incorrect command %q (%#02x)", me.Command, me.Command)
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Classifies session errors for logging and metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsProtocolError(err):
		return "protocol"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	default:
		return "transport"
	}
}
