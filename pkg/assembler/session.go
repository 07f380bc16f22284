package assembler

import (
	"context"
	"iter"

	"github.com/financegpt/backend/pkg/streamreader"
)

// Session scopes one streaming assistant reply. It is released exactly once;
// every operation after release is a no-op.
type Session struct {
	conv    *Conversation
	index   int
	cancel  context.CancelFunc
	history []Message

	// guarded by conv.mu
	released bool
	outcome  streamreader.Kind
}

// Index is the position of the in-flight assistant message.
func (s *Session) Index() int {
	return s.index
}

// History is the message list as it was before the assistant message was added.
func (s *Session) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Released reports whether the session has ended.
func (s *Session) Released() bool {
	s.conv.mu.Lock()
	defer s.conv.mu.Unlock()
	return s.released
}

// Apply appends delta to the in-flight message.
func (s *Session) Apply(delta string) {
	if delta == "" {
		return
	}
	s.conv.update(func() bool {
		if s.released {
			return false
		}
		s.conv.messages[s.index].Content += delta
		return true
	})
}

// Complete ends the session normally.
func (s *Session) Complete() {
	s.end(streamreader.Completed, "")
}

// Cancel ends the session keeping the partial content as is, and cancels the
// transport context.
func (s *Session) Cancel() {
	s.end(streamreader.Canceled, "")
}

// Fail ends the session and marks the message as interrupted.
func (s *Session) Fail(err error) {
	if s.end(streamreader.Failed, InterruptionNotice) {
		s.conv.logger.Warn().Err(err).Int("index", s.index).Msg("response interrupted")
	}
}

// Consume applies every delta of seq in arrival order and ends the session
// with the outcome of the sequence. The returned error is non-nil only for a
// failed outcome.
func (s *Session) Consume(seq iter.Seq2[string, error]) (streamreader.Kind, error) {
	for delta, err := range seq {
		if err != nil {
			return s.finish(err)
		}
		if s.Released() {
			break
		}
		s.Apply(delta)
	}
	s.Complete()
	return s.result(), nil
}

func (s *Session) finish(err error) (streamreader.Kind, error) {
	switch streamreader.Classify(err) {
	case streamreader.Canceled:
		s.Cancel()
	default:
		s.Fail(err)
	}
	kind := s.result()
	if kind == streamreader.Failed {
		return kind, err
	}
	return kind, nil
}

func (s *Session) result() streamreader.Kind {
	s.conv.mu.Lock()
	defer s.conv.mu.Unlock()
	return s.outcome
}

// end releases the session with outcome and reports whether this call did it.
func (s *Session) end(outcome streamreader.Kind, suffix string) bool {
	var ended bool
	s.conv.update(func() bool {
		if s.released {
			return false
		}
		if suffix != "" {
			s.conv.messages[s.index].Content += suffix
		}
		s.releaseLocked(outcome)
		ended = true
		return true
	})
	if ended {
		s.cancel()
	}
	return ended
}

func (s *Session) releaseLocked(outcome streamreader.Kind) {
	s.released = true
	s.outcome = outcome
	if s.conv.active == s {
		s.conv.active = nil
		s.conv.loading = false
	}
}
