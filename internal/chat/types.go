package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/andy6609/safechat-server/internal/frame"
)

// ConnID identifies an accepted connection. IDs are handed out by the
// listener from a monotonic counter and are never reused.
type ConnID uint64

func (id ConnID) String() string {
	return fmt.Sprintf("conn_%d", uint64(id))
}

// Handler processes decoded frames for one connection. Calls for a given
// worker are strictly sequential. Returning an error terminates the
// connection.
type Handler interface {
	HandleFrame(ctx context.Context, w *Worker, f frame.Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, w *Worker, f frame.Frame) error

func (fn HandlerFunc) HandleFrame(ctx context.Context, w *Worker, f frame.Frame) error {
	return fn(ctx, w, f)
}

// Config is the subset of server options the lifecycle core consumes.
type Config struct {
	Port           int
	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	MaxFrameSize   int
	SendQueue      int
}

const (
	defaultMaxConnections = 64
	defaultIdleTimeout    = 30 * time.Second
	defaultSweepInterval  = time.Second
	defaultSendQueue      = 32
)

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = frame.DefaultMaxSize
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	return c
}

var (
	ErrDuplicateID      = errorString("duplicate connection id")
	ErrWorkerTerminated = errorString("worker terminated")
	ErrSendQueueFull    = errorString("send queue full")
	ErrServerRunning    = errorString("server already started")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// BindError reports a failure to open the listening socket. The server
// cannot do anything useful without it, so callers treat it as fatal.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("can't bind to %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
