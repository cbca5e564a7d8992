package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes operator connections from listener connections. The
// distinction is made at the first meaningful inbound frame, not at the
// transport layer.
type Role int

const (
	RoleNone Role = iota
	RoleAdmin
	RoleListener
)

// Client is one websocket connection's hub-side state. The transport
// layer owns the socket; the router owns the Client.
type Client struct {
	ID       string
	RemoteIP string

	outbound chan any
	done     chan struct{}
	once     sync.Once

	mu          sync.Mutex
	role        Role
	adminID     string
	username    string
	sessionID   string // joined session, listener connections only
	expiryTimer *time.Timer
}

func newClient(remoteIP string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		RemoteIP: remoteIP,
		outbound: make(chan any, 256),
		done:     make(chan struct{}),
	}
}

// Outbound is the channel the transport's writer goroutine drains. Frames
// enqueued here preserve per-socket FIFO order.
func (c *Client) Outbound() <-chan any { return c.outbound }

// Done is closed when the client is torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send enqueues a frame without blocking. A saturated queue drops the
// frame rather than stalling other connections; the transport's write
// loop stays single-threaded.
func (c *Client) Send(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- v:
		return true
	default:
		return false
	}
}

// Close tears the client down. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
			c.expiryTimer = nil
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Role reports the connection's current role.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// AdminID returns the bound operator subject, or "".
func (c *Client) AdminID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminID
}

// SessionID returns the joined session for listener connections, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) bindAdmin(adminID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleAdmin
	c.adminID = adminID
	c.username = username
}

func (c *Client) bindListener(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleListener
	c.sessionID = sessionID
}

func (c *Client) unbindListener() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

func (c *Client) setExpiryTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	c.expiryTimer = t
}
