package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/safechat-server/internal/frame"
)

type workerOptions struct {
	handler      Handler
	maxFrameSize int
	sendQueue    int
	now          func() time.Time
	logger       *slog.Logger
}

// Worker owns one accepted connection. It moves from active to terminated
// exactly once; the transition is triggered by the peer, by a protocol
// error, or externally through Terminate.
type Worker struct {
	id         ConnID
	conn       net.Conn
	overloaded bool

	handler      Handler
	maxFrameSize int
	now          func() time.Time
	logger       *slog.Logger

	lastActivity atomic.Int64 // unix nanos
	terminated   atomic.Bool

	// sendMu orders Send against closeSends so no frame is accepted after
	// the writer has started its final drain.
	sendMu  sync.RWMutex
	closing bool
	drain   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	out    chan frame.Frame
	done   chan struct{}
}

func newWorker(parent context.Context, id ConnID, conn net.Conn, overloaded bool, opts workerOptions) *Worker {
	if opts.handler == nil {
		opts.handler = EchoHandler()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.sendQueue <= 0 {
		opts.sendQueue = defaultSendQueue
	}

	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		id:           id,
		conn:         conn,
		overloaded:   overloaded,
		handler:      opts.handler,
		maxFrameSize: opts.maxFrameSize,
		now:          opts.now,
		logger:       opts.logger.With("conn_id", id.String(), "remote", conn.RemoteAddr().String()),
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan frame.Frame, opts.sendQueue),
		drain:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	w.touch()
	return w
}

func (w *Worker) ID() ConnID { return w.id }

func (w *Worker) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *Worker) Overloaded() bool { return w.overloaded }

func (w *Worker) Terminated() bool { return w.terminated.Load() }

// Done is closed once Run has returned and the writer has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// IdleFor returns how long the connection has been silent as of now.
func (w *Worker) IdleFor(now time.Time) time.Duration {
	return now.Sub(w.LastActivity())
}

func (w *Worker) touch() {
	w.lastActivity.Store(w.now().UnixNano())
}

// Terminate closes the connection and marks the worker terminated. Any
// pending read is unblocked. Calls after the first are no-ops.
func (w *Worker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.cancel()
	if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		w.logger.Debug("close connection", "error", err)
	}
}

// Send queues f for delivery to the peer. It never blocks. A nil return
// means the frame is written unless the worker is terminated externally.
func (w *Worker) Send(f frame.Frame) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()

	if w.closing || w.Terminated() {
		return ErrWorkerTerminated
	}
	select {
	case w.out <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// closeSends stops accepting frames and tells the writer to flush what is
// already queued.
func (w *Worker) closeSends() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.closing {
		return
	}
	w.closing = true
	close(w.drain)
}

// Run serves the connection until it terminates. An overloaded worker is
// shed immediately without reading anything.
func (w *Worker) Run() {
	defer close(w.done)

	if w.overloaded {
		w.logger.Warn("connection rejected: server at capacity")
		w.Terminate()
		return
	}

	// Cancellation of the parent context must unblock the read below.
	stop := context.AfterFunc(w.ctx, w.Terminate)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.writeLoop()
	}()

	// The read side ended on its own: deliver accepted replies before closing.
	// External termination cancels ctx and makes the writer quit at once.
	w.readLoop()
	w.closeSends()
	wg.Wait()
	w.Terminate()
}

func (w *Worker) readLoop() {
	dec := frame.NewDecoder(w.conn, w.maxFrameSize)
	for {
		f, err := dec.Decode()
		if err != nil {
			w.logReadError(err)
			return
		}
		w.touch()

		start := time.Now()
		err = w.handler.HandleFrame(w.ctx, w, f)
		FrameDispatchDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			FramesTotal.WithLabelValues(resultHandlerError).Inc()
			w.logger.Warn("handler failed, closing connection", "command", f.Command, "error", err)
			return
		}
		FramesTotal.WithLabelValues(resultOK).Inc()
	}
}

func (w *Worker) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		w.logger.Info("client disconnected")
	case w.Terminated():
		w.logger.Debug("read interrupted by termination")
	case frame.IsProtocolError(err):
		FramesTotal.WithLabelValues(resultProtocolError).Inc()
		w.logger.Warn("protocol error, closing connection", "error", err)
	default:
		w.logger.Info("read failed, closing connection", "error", err)
	}
}
