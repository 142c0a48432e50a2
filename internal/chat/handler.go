package chat

import (
	"context"

	"github.com/andy6609/safechat-server/internal/frame"
)

// EchoHandler writes every frame back to the connection it came from.
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, w *Worker, f frame.Frame) error {
		return w.Send(f)
	})
}
