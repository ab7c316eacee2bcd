package network

import (
	"errors"
	"io"
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosed reports whether err means the peer or we hung up.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// writeWithDeadline writes one control message with a bounded write deadline.
func writeWithDeadline(conn net.Conn, message any, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}
	return WriteMessage(conn, message)
}

// lingerClose half-closes conn, discards whatever the peer still sends until it
// hangs up or linger elapses, then closes. Closing a socket with unread input
// makes the kernel send RST, which can destroy the last frame we wrote.
func lingerClose(conn net.Conn, linger time.Duration) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(linger))
	_, _ = io.Copy(io.Discard, conn)
	_ = conn.Close()
}
