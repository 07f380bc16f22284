// Package streamreader turns a chunked Server-Sent-Events response body into a
// lazy sequence of content deltas.
//
// The wire format is the one served by the chat endpoint: frames separated by a
// blank line, each carrying `data: <json>` where the JSON object may hold a
// "content" string, terminated by the literal payload [DONE].
package streamreader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	defaultReadSize = 4096
)

var frameDelimiter = []byte("\n\n")

var (
	// ErrCanceled ends a sequence whose context was cancelled. It wraps the
	// context's cause so errors.Is(err, context.Canceled) also holds.
	ErrCanceled = errors.New("stream canceled")
	// ErrConsumed is yielded when a sequence is ranged over a second time.
	ErrConsumed = errors.New("stream already consumed")
)

// ServerError is yielded when the server replaces content with an error record.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

type record struct {
	Content *string `json:"content"`
	Error   string  `json:"error"`
}

// Option customises a reader.
type Option func(*reader)

// WithLogger replaces the package logger used for skipped frames and release failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *reader) {
		r.logger = logger
	}
}

// WithReadSize sets the size of each Read issued against the body.
func WithReadSize(n int) Option {
	return func(r *reader) {
		if n > 0 {
			r.readSize = n
		}
	}
}

type reader struct {
	body     io.ReadCloser
	buf      []byte
	readSize int
	logger   zerolog.Logger

	used    atomic.Bool
	release sync.Once
}

// Deltas returns a one-shot sequence of content deltas read from body.
//
// The sequence ends without an error on the [DONE] sentinel or at end of
// stream. It ends with an error wrapping ErrCanceled when ctx is done, with a
// *ServerError when the server sent an error record (a record carrying both
// error and content yields no content), and with the transport
// error otherwise. The body is closed exactly once, including when the
// consumer stops ranging early.
func Deltas(ctx context.Context, body io.ReadCloser, opts ...Option) iter.Seq2[string, error] {
	r := &reader{
		body:     body,
		readSize: defaultReadSize,
		logger:   log.With().Str("component", "streamreader").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return func(yield func(string, error) bool) {
		if !r.used.CompareAndSwap(false, true) {
			yield("", ErrConsumed)
			return
		}
		defer r.close()

		// Closing the body unblocks a read that is in flight when ctx ends.
		stop := context.AfterFunc(ctx, r.close)
		defer stop()

		r.run(ctx, yield)
	}
}

func (r *reader) run(ctx context.Context, yield func(string, error) bool) {
	chunk := make([]byte, r.readSize)
	for {
		if ctx.Err() != nil {
			yield("", canceled(ctx))
			return
		}

		n, readErr := r.body.Read(chunk)
		if ctx.Err() != nil {
			yield("", canceled(ctx))
			return
		}

		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			if !r.drain(yield) {
				return
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if len(bytes.TrimSpace(r.buf)) > 0 {
				r.logger.Debug().Int("bytes", len(r.buf)).Msg("discarding incomplete trailing frame")
			}
			return
		}
		if errors.Is(readErr, context.Canceled) {
			yield("", fmt.Errorf("%w: %w", ErrCanceled, readErr))
			return
		}
		yield("", fmt.Errorf("read stream: %w", readErr))
		return
	}
}

// drain processes every complete frame in the buffer and keeps the trailing
// fragment. It reports whether reading should continue.
func (r *reader) drain(yield func(string, error) bool) bool {
	offset := 0
	for {
		idx := bytes.Index(r.buf[offset:], frameDelimiter)
		if idx < 0 {
			break
		}
		frame := r.buf[offset : offset+idx]
		offset += idx + len(frameDelimiter)

		if !r.frame(frame, yield) {
			r.buf = nil
			return false
		}
	}

	if offset > 0 {
		n := copy(r.buf, r.buf[offset:])
		r.buf = r.buf[:n]
	}
	return true
}

// frame handles one complete frame and reports whether the sequence goes on.
func (r *reader) frame(raw []byte, yield func(string, error) bool) bool {
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	if strings.TrimSpace(text) == "" {
		return true
	}
	if !strings.HasPrefix(text, dataPrefix) {
		r.logger.Debug().Str("frame", text).Msg("ignoring frame without data prefix")
		return true
	}

	payload := text[len(dataPrefix):]
	if payload == doneSentinel {
		return false
	}

	var rec record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		r.logger.Warn().Err(err).Str("payload", payload).Msg("skipping malformed frame")
		return true
	}
	if rec.Error != "" {
		yield("", &ServerError{Message: rec.Error})
		return false
	}
	if rec.Content == nil {
		return true
	}
	return yield(*rec.Content, nil)
}

func (r *reader) close() {
	r.release.Do(func() {
		if err := r.body.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("release stream body")
		}
	})
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
}
