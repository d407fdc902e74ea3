package desktop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/openmoba/broker/internal/model"
)

// ClassifyDialError maps an error from dialing or handshaking with a desktop
// host onto the error taxonomy. Errors already carrying a taxonomy sentinel
// pass through.
func ClassifyDialError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		model.ErrAuthFailure, model.ErrTimeout, model.ErrNetworkError,
		model.ErrProtocolError, model.ErrDisconnected, model.ErrInvalidConfig,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: connect cancelled", model.ErrDisconnected)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"), strings.Contains(msg, "security"),
		strings.Contains(msg, "password"), strings.Contains(msg, "logon"):
		return fmt.Errorf("%w: %v", model.ErrAuthFailure, err)
	case strings.Contains(msg, "refused"), strings.Contains(msg, "reset"),
		strings.Contains(msg, "unreachable"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "broken pipe"):
		return fmt.Errorf("%w: %v", model.ErrNetworkError, err)
	}
	return fmt.Errorf("%w: %v", model.ErrProtocolError, err)
}
