package streamreader

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedBody replays fixed network chunks, then returns err (io.EOF when nil).
type chunkedBody struct {
	chunks [][]byte
	err    error
	closed atomic.Int32
}

func newChunkedBody(chunks ...string) *chunkedBody {
	b := &chunkedBody{}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n < len(b.chunks[0]) {
		b.chunks[0] = b.chunks[0][n:]
	} else {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed.Add(1)
	return nil
}

func collectAll(t *testing.T, ctx context.Context, body io.ReadCloser, opts ...Option) ([]string, error) {
	t.Helper()
	var deltas []string
	for delta, err := range Deltas(ctx, body, opts...) {
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, delta)
	}
	return deltas, nil
}

func TestDeltasJoinsFrameSplitAcrossChunks(t *testing.T) {
	body := newChunkedBody(`data: {"content":"Hel`, "lo\"}\n\ndata: [DONE]\n\n")

	deltas, err := collectAll(t, context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, deltas)
	assert.EqualValues(t, 1, body.closed.Load())
}

func TestDeltasIndependentOfChunkBoundaries(t *testing.T) {
	stream := "data: {\"content\":\"Héllo, \"}\n\n" +
		"event: ping\n\n" +
		"data: {\"content\":\"世界 📈\"}\n\n" +
		"data: {\"content\":\"!\"}\n\n" +
		"data: [DONE]\n\n"
	want := []string{"Héllo, ", "世界 📈", "!"}

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			body := newChunkedBody(stream[:i], stream[i:j], stream[j:])
			deltas, err := collectAll(t, context.Background(), body)
			require.NoError(t, err, "split at %d/%d", i, j)
			require.Equal(t, want, deltas, "split at %d/%d", i, j)
		}
	}

	deltas, err := collectAll(t, context.Background(), newChunkedBody(stream), WithReadSize(1))
	require.NoError(t, err)
	assert.Equal(t, want, deltas)
}

func TestDeltasEmptyStreamCompletes(t *testing.T) {
	for _, stream := range []string{"", "\n\n", "  \n\n\n\n"} {
		deltas, err := collectAll(t, context.Background(), newChunkedBody(stream))
		require.NoError(t, err)
		assert.Empty(t, deltas)
	}
}

func TestDeltasSkipsMalformedFrame(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\n\n", "data: {\"content\":\"ok\"}\n\n")

	deltas, err := collectAll(t, context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, deltas)
}

func TestDeltasIgnoresFramesWithoutDataPrefix(t *testing.T) {
	body := newChunkedBody(
		"data:{\"content\":\"no space\"}\n\n",
		": keep-alive\n\n",
		"data: {\"other\":1}\n\n",
		"data: {\"content\":\"kept\"}\n\n",
	)

	deltas, err := collectAll(t, context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, deltas)
}

func TestDeltasSentinelDiscardsTrailingData(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"a\"}\n\ndata: [DONE]\n\ndata: {\"content\":\"b\"}\n\n")

	deltas, err := collectAll(t, context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deltas)
	assert.EqualValues(t, 1, body.closed.Load())
}

func TestDeltasIncompleteTrailingFrameIsNotData(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}")

	deltas, err := collectAll(t, context.Background(), body)

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deltas)
}

func TestDeltasCanceledBeforeAnyBytes(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deltas, err := collectAll(t, ctx, pr)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Canceled, Classify(err))
	assert.Empty(t, deltas)
}

func TestDeltasCanceledBetweenReads(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"A\"}\n\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deltas []string
	var final error
	for delta, err := range Deltas(ctx, pr) {
		if err != nil {
			final = err
			break
		}
		deltas = append(deltas, delta)
		cancel()
	}

	assert.Equal(t, []string{"A"}, deltas)
	assert.ErrorIs(t, final, ErrCanceled)
}

func TestDeltasCancelUnblocksInFlightRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"A\"}\n\n"))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deltas []string
	var final error
	for delta, err := range Deltas(ctx, pr) {
		if err != nil {
			final = err
			break
		}
		deltas = append(deltas, delta)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
	}

	assert.Equal(t, []string{"A"}, deltas)
	assert.ErrorIs(t, final, ErrCanceled)
}

func TestDeltasTransportFailure(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"A\"}\n\n", "data: {\"content\":\"B\"}\n\n")
	body.err = errors.New("connection reset by peer")

	deltas, err := collectAll(t, context.Background(), body)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, Failed, Classify(err))
	assert.Equal(t, []string{"A", "B"}, deltas)
	assert.EqualValues(t, 1, body.closed.Load())
}

func TestDeltasTransportCancellationIsNotFailure(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"A\"}\n\n")
	body.err = context.Canceled

	_, err := collectAll(t, context.Background(), body)

	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, Canceled, Classify(err))
}

func TestDeltasServerErrorRecord(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"A\"}\n\ndata: {\"error\":\"agent exploded\"}\n\ndata: [DONE]\n\n")

	deltas, err := collectAll(t, context.Background(), body)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "agent exploded", serverErr.Message)
	assert.Equal(t, Failed, Classify(err))
	assert.Equal(t, []string{"A"}, deltas)
}

func TestDeltasErrorRecordWithContentYieldsNoContent(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"A\"}\n\ndata: {\"content\":\"B\",\"error\":\"quota\"}\n\n")

	deltas, err := collectAll(t, context.Background(), body)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "quota", serverErr.Message)
	assert.Equal(t, []string{"A"}, deltas)
}

func TestDeltasIsOneShot(t *testing.T) {
	seq := Deltas(context.Background(), newChunkedBody("data: {\"content\":\"A\"}\n\n"))

	first, err := Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, "A", first)

	second, err := Collect(seq)
	assert.ErrorIs(t, err, ErrConsumed)
	assert.Empty(t, second)
}

func TestDeltasEarlyBreakReleasesBody(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"A\"}\n\ndata: {\"content\":\"B\"}\n\n")

	for delta, err := range Deltas(context.Background(), body) {
		require.NoError(t, err)
		assert.Equal(t, "A", delta)
		break
	}

	assert.EqualValues(t, 1, body.closed.Load())
}

func TestCollectKeepsPartialContent(t *testing.T) {
	body := newChunkedBody("data: {\"content\":\"par\"}\n\n", "data: {\"content\":\"tial\"}\n\n")
	body.err = errors.New("boom")

	text, err := Collect(Deltas(context.Background(), body))

	assert.Equal(t, "partial", text)
	assert.Equal(t, Failed, Classify(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "canceled", Canceled.String())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, strings.HasPrefix(Kind(42).String(), "unknown"))
}
