package errorutil

import (
	"errors"
	"net"
)

// IsClosedErr returns true if the error reports use of a closed network connection.
func IsClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
