package stub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Wraps a raw connection so that each command read has its own deadline.
type deadlineReader struct {
	nc      net.Conn
	r       io.Reader
	timeout time.Duration
}

func (r deadlineReader) Read(b []byte) (int, error) {
	err := r.nc.SetReadDeadline(time.Now().Add(r.timeout))
	if err != nil {
		return 0, fmt.Errorf("error setting read deadline: %w", err)
	}
	n, err := r.r.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = fmt.Errorf("%w after %v: %w", ErrIdleTimeout, r.timeout, err)
	}
	return n, err
}

func commandReader(nc net.Conn, idleTimeout time.Duration) io.Reader {
	if idleTimeout <= 0 {
		return nc
	}
	return deadlineReader{nc: nc, r: nc, timeout: idleTimeout}
}

// Closes without a graceful shutdown, so the peer sees a reset instead of end of stream.
func abort(nc net.Conn) error {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	return nc.Close()
}
