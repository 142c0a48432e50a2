package chat

import (
	"bufio"
	"time"

	"github.com/andy6609/safechat-server/internal/frame"
)

// drainTimeout bounds how long a closing worker spends flushing replies to
// a peer that has stopped reading.
const drainTimeout = 2 * time.Second

// writeLoop drains the outbound queue onto the socket. Frames are buffered
// and flushed once the queue is empty. A write failure terminates the worker.
func (w *Worker) writeLoop() {
	bw := bufio.NewWriter(w.conn)
	for {
		select {
		case f := <-w.out:
			if !w.write(bw, f) {
				return
			}
		case <-w.drain:
			w.flushPending(bw)
			return
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) write(bw *bufio.Writer, f frame.Frame) bool {
	if err := frame.Write(bw, f); err != nil {
		w.logger.Debug("write failed", "error", err)
		w.Terminate()
		return false
	}
	if len(w.out) > 0 {
		return true
	}
	if err := bw.Flush(); err != nil {
		w.logger.Debug("flush failed", "error", err)
		w.Terminate()
		return false
	}
	return true
}

// flushPending writes every frame still queued after Send was closed.
func (w *Worker) flushPending(bw *bufio.Writer) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	for {
		select {
		case f := <-w.out:
			if !w.write(bw, f) {
				return
			}
		default:
			if err := bw.Flush(); err != nil {
				w.logger.Debug("flush failed", "error", err)
			}
			return
		}
	}
}
