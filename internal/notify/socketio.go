package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/specialistvlad/gridchain/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	connectTimeout = 15 * time.Second
	// flushTimeout bounds how long Close waits for queued events.
	flushTimeout = 2 * time.Second
)

// Options configures a socket.io publisher.
type Options struct {
	Namespace          string
	InsecureSkipVerify bool
}

// SocketIO publishes events as socket.io messages named after the event.
type SocketIO struct {
	io *socket.Socket
}

var _ Publisher = (*SocketIO)(nil)

// Dial connects to a socket.io server and waits for the connection to be
// established.
func Dial(ctx context.Context, rawURL string, opts Options) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("notify URL '%s' needs a scheme and a host", rawURL)
	}

	o := socket.DefaultOptions()
	o.SetPath(parsedURL.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		o.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	o.SetTransports(types.NewSet(transports.WebSocket))

	connected := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, o)
	io := manager.Socket(opts.Namespace, o)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to notification server.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		connected <- connectError(errs)
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return &SocketIO{io: io}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", connectTimeout)
	}
}

// Publish implements Publisher.
func (s *SocketIO) Publish(ctx context.Context, ev Event) error {
	if !s.io.Connected() {
		return errors.New("notification socket is not connected")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ctxlog.FromContext(ctx).Debug("Publishing event.", "event", ev.Name, "sid", s.io.Id())
	s.io.Emit(ev.Name, ev.Payload())
	return nil
}

// Close implements Publisher. Events still queued are given flushTimeout to
// leave before the socket disconnects.
func (s *SocketIO) Close() error {
	flushed := waitFlushed(s.pending, flushTimeout)
	s.io.Disconnect()
	if !flushed {
		return errors.New("notification socket closed with unsent events")
	}
	return nil
}

// pending counts the packets not yet handed to the network.
func (s *SocketIO) pending() int {
	n := s.io.SendBuffer().Len()
	if engine := s.io.Io().Engine(); engine != nil {
		n += engine.WriteBuffer().Len()
	}
	return n
}

// waitFlushed polls pending until it reports zero or timeout passes.
func waitFlushed(pending func() int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for pending() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// connectError turns the arguments of a connect_error event into an error.
func connectError(args []any) error {
	if len(args) == 0 {
		return errors.New("connection refused without a reason")
	}
	if err, ok := args[0].(error); ok {
		return err
	}
	return fmt.Errorf("%v", args[0])
}
