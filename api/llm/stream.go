package llm

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
)

// Outcome is the terminal state of a Stream.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAborted
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// Stream is a handle on an in-flight streaming completion. Deltas arrive on
// the channel in provider order; once it closes, Outcome reports how the
// stream ended. Abort is idempotent and safe from any goroutine.
type Stream struct {
	deltas  chan string
	cancel  context.CancelFunc
	done    chan struct{}
	aborted atomic.Bool

	outcome Outcome
	err     error
}

func newStream(ctx context.Context, cancel context.CancelFunc, upstream *openai.ChatCompletionStream) *Stream {
	s := &Stream{
		deltas: make(chan string, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(ctx, upstream)
	return s
}

func (s *Stream) pump(ctx context.Context, upstream *openai.ChatCompletionStream) {
	defer func() {
		upstream.Close()
		s.cancel()
		close(s.deltas)
		close(s.done)
	}()

	for {
		resp, err := upstream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if s.aborted.Load() {
					s.outcome = OutcomeAborted
				} else {
					s.outcome = OutcomeCompleted
				}
			case s.aborted.Load() || errors.Is(err, context.Canceled):
				s.outcome = OutcomeAborted
			default:
				s.outcome = OutcomeError
				s.err = err
			}
			return
		}

		if s.aborted.Load() {
			s.outcome = OutcomeAborted
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		select {
		case s.deltas <- delta:
		case <-ctx.Done():
			s.outcome = OutcomeAborted
			return
		}
	}
}

// Deltas returns the channel of text deltas. It is closed when the stream
// reaches a terminal state.
func (s *Stream) Deltas() <-chan string {
	return s.deltas
}

// Abort cancels the in-flight request. After the call no further deltas are
// emitted and the stream resolves to OutcomeAborted.
func (s *Stream) Abort() {
	if s.aborted.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Outcome blocks until the stream terminates and reports how. The error is
// non-nil only for OutcomeError.
func (s *Stream) Outcome() (Outcome, error) {
	<-s.done
	return s.outcome, s.err
}
