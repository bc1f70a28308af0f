package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/dreamware/shuffle/internal/cluster"
)

// ErrUnavailable wraps any error returned while a peer's circuit breaker is
// open, so callers can map it to the WorkerGone error taxonomy entry
// without inspecting gobreaker internals.
var ErrUnavailable = errors.New("transport: peer unavailable")

// Transport delivers one shuffle_receive RPC to a peer worker and returns
// its acknowledgement. Implementations are safe for concurrent use by
// multiple callers, though the Comm Buffer only ever has one send in
// flight per peer at a time.
type Transport interface {
	Send(ctx context.Context, addr string, req cluster.ReceiveRequest) (cluster.Ack, error)
	Close() error
}

// HTTPTransport sends each shuffle_receive as an independent JSON POST.
// It needs no persistent state. Like every Transport it carries only
// shuffle_receive (a POST to http://{addr}/shuffle/receive); the
// control-plane RPCs call internal/cluster's PostJSON directly.
type HTTPTransport struct{}

func (HTTPTransport) Send(ctx context.Context, addr string, req cluster.ReceiveRequest) (cluster.Ack, error) {
	var ack cluster.Ack
	err := cluster.PostJSON(ctx, "http://"+addr+"/shuffle/receive", req, &ack)
	return ack, err
}

func (HTTPTransport) Close() error { return nil }

// WSTransport maintains one persistent, ordered websocket connection per
// peer address and wraps every send through a per-peer circuit breaker.
// This is the ordered per-peer channel the Comm Buffer (C4) is built
// against: because sends for a given peer are serialized onto a single
// connection, message order on the wire matches send order, and a peer
// that starts erroring trips its breaker open before every in-flight
// caller times out independently.
type WSTransport struct {
	dialURL func(addr string) string

	mu       sync.Mutex
	conns    map[string]*wsConn
	breakers map[string]*gobreaker.CircuitBreaker
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport returns a WSTransport. Each peer is dialed lazily on
// first Send against ws://{addr}/shuffle/receive/ws.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialURL: func(addr string) string {
			return "ws://" + addr + "/shuffle/receive/ws"
		},
		conns:    make(map[string]*wsConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (t *WSTransport) breakerFor(addr string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ws-" + addr,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	t.breakers[addr] = cb
	return cb
}

func (t *WSTransport) connFor(addr string) (*wsConn, error) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(t.dialURL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	c = &wsConn{conn: conn}
	t.mu.Lock()
	t.conns[addr] = c
	t.mu.Unlock()
	return c, nil
}

func (t *WSTransport) dropConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		_ = c.conn.Close()
		delete(t.conns, addr)
	}
}

// Send writes req over the peer's websocket connection and waits for its
// JSON-encoded ack. A context deadline is honored by pushing it down as
// the connection's write/read deadline, since gorilla/websocket has no
// native context support.
func (t *WSTransport) Send(ctx context.Context, addr string, req cluster.ReceiveRequest) (cluster.Ack, error) {
	cb := t.breakerFor(addr)

	result, err := cb.Execute(func() (interface{}, error) {
		c, err := t.connFor(addr)
		if err != nil {
			return cluster.Ack{}, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok {
			_ = c.conn.SetWriteDeadline(deadline)
			_ = c.conn.SetReadDeadline(deadline)
		}

		if err := c.conn.WriteJSON(req); err != nil {
			t.dropConn(addr)
			return cluster.Ack{}, fmt.Errorf("transport: writing to %s: %w", addr, err)
		}

		var ack cluster.Ack
		if err := c.conn.ReadJSON(&ack); err != nil {
			t.dropConn(addr)
			return cluster.Ack{}, fmt.Errorf("transport: reading from %s: %w", addr, err)
		}
		if !ack.OK {
			return ack, fmt.Errorf("transport: %s rejected receive: %s", addr, ack.Error)
		}
		return ack, nil
	})

	ack, _ := result.(cluster.Ack)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ack, fmt.Errorf("%w: %s: %v", ErrUnavailable, addr, err)
		}
		return ack, err
	}
	return ack, nil
}

// Close tears down every open peer connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []string
	for addr, c := range t.conns {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
		}
	}
	t.conns = make(map[string]*wsConn)
	if len(errs) > 0 {
		return fmt.Errorf("transport: closing connections: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Upgrader is shared by worker HTTP handlers that accept inbound
// websocket sessions for shuffle_receive.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ParseAddr normalizes a peer address that may already carry a scheme, so
// callers can pass either "host:port" or a full URL interchangeably.
func ParseAddr(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	return u.Host, nil
}
