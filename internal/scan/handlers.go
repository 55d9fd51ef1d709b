package scan

import (
	"context"

	"github.com/scan-engine/internal/queue"
)

// RegisterHandlers routes fetch messages to worker and analyze messages to poller
func RegisterHandlers(r *queue.Router, worker *FetchWorker, poller *Poller) {
	r.RegisterFunc(queue.KindFetchChunk, func(ctx context.Context, msg *queue.Message) error {
		return worker.Handle(ctx, msg.FetchChunk)
	})
	r.RegisterFunc(queue.KindAnalyze, func(ctx context.Context, msg *queue.Message) error {
		return poller.Handle(ctx, msg.Analyze)
	})
}
