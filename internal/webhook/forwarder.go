package webhook

import (
	"context"
	"log/slog"

	"github.com/paulgrammer/audiobatch/internal/events"
)

// Forwarder pipes scheduler events from a bus subscription to one
// webhook URL. Per-job progress ticks are too chatty for an external
// endpoint and are not forwarded.
type Forwarder struct {
	sender Sender
	url    string
}

func NewForwarder(sender Sender, url string) *Forwarder {
	return &Forwarder{sender: sender, url: url}
}

// Run consumes events until ctx is done or the channel closes. A
// failed delivery is logged and dropped; it never stalls the stream.
func (f *Forwarder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == events.TypeJobProgress {
				continue
			}
			if err := f.sender.Notify(ctx, f.url, ev); err != nil {
				slog.Error("webhook delivery failed", "type", string(ev.Type), "job_id", ev.JobID, "error", err)
			}
		}
	}
}
