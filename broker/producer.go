package broker

import (
	"context"
	"errors"
	"io"
	"log"

	llmstream "github.com/ProviderProtocol/llmstream-go"
	"github.com/ProviderProtocol/llmstream-go/sse"
)

// FrameSource is the pull side of a wire decoder.
type FrameSource interface {
	Next() (sse.Frame, error)
	Close() error
}

// Producer drives one decoded byte stream through one normalizer into
// sequential Append calls on one session. It is the only writer for its
// stream id.
//
// Every Run path (success, transport error, context cancellation) reaches
// Remove exactly once, so subscribers are never left waiting on a dead
// session. Reconnection after Run returns is the caller's responsibility via
// Subscribe; the producer itself never retries.
type Producer struct {
	Normalizer llmstream.Normalizer
	Broker     Broker
	StreamID   string
}

// Run consumes frames until the source terminates, appending every canonical
// event to the session. It returns the finalized aggregate response, which
// is built from accumulated state alone and therefore also valid after a
// mid-stream failure.
//
// If the backend never produced a terminal chunk, a message_stop event is
// synthesized before teardown so consumers always observe either a
// well-formed message_stop or an explicit error, never a silent truncation.
func (p *Producer) Run(ctx context.Context, frames FrameSource) (*llmstream.Response, error) {
	acc := llmstream.NewAccumulator()
	defer p.Broker.Remove(p.StreamID)

	runErr := p.pump(ctx, frames, acc)

	resp, ferr := p.Normalizer.Finalize(acc)
	if ferr != nil && runErr == nil {
		runErr = ferr
	}

	if resp != nil && !acc.Stopped() {
		in, out := acc.Usage()
		stop := llmstream.MessageStopEvent(resp.StopReason, in, out)
		if err := p.Broker.Append(p.StreamID, stop); err != nil {
			log.Printf("broker: failed to append synthesized message_stop for session %s: %v", p.StreamID, err)
		}
	}

	return resp, runErr
}

func (p *Producer) pump(ctx context.Context, frames FrameSource, acc *llmstream.Accumulator) error {
	for {
		if err := ctx.Err(); err != nil {
			// Consumer-driven teardown: releasing the reader makes a
			// blocked Next return promptly.
			frames.Close()
			return err
		}

		frame, err := frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		events, err := p.Normalizer.Transform(frame.Data, acc)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := p.Broker.Append(p.StreamID, ev); err != nil {
				return err
			}
		}
	}
}
