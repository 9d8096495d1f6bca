package quake

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// DefaultTimeout bounds a single request/reply round trip.
const DefaultTimeout = 5 * time.Second

// maxPacketSize is the largest reply the engine will ever send in one datagram.
const maxPacketSize = 16 * 1024

// ErrTimeout is returned when no reply arrives before the deadline.
var ErrTimeout = errors.New("Timeout - servidor no responde")

// Client sends single-datagram requests to a Quake III server.
type Client struct {
	dialer net.Dialer
}

// NewClient creates a new Client.
func NewClient() *Client {
	return &Client{}
}

type reply struct {
	data []byte
	err  error
}

// Exchange sends payload to host:port over a fresh UDP socket and waits for the first reply.
// The reply, the timer, a socket error and ctx cancellation race; whichever comes first
// resolves the call and the socket is closed before Exchange returns.
func (c *Client) Exchange(ctx context.Context, host string, port int, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := c.dialer.DialContext(ctx, "udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Buffered so the reader can always deliver and exit, even after the call has resolved.
	replies := make(chan reply, 1)
	go func() {
		if _, err := conn.Write(payload); err != nil {
			replies <- reply{err: err}
			return
		}
		buf := make([]byte, maxPacketSize)
		n, err := conn.Read(buf)
		if err != nil {
			replies <- reply{err: err}
			return
		}
		replies <- reply{data: buf[:n]}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		return r.data, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
