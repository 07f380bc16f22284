package streamreader

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Kind classifies how a delta sequence ended.
type Kind int

const (
	Completed Kind = iota
	Canceled
	Failed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify maps the terminal error of a sequence to its Kind. A nil error is a
// normal completion.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return Canceled
	default:
		return Failed
	}
}

// Collect drains seq and returns the concatenated deltas together with the
// terminal error, if any. Deltas received before an error are kept.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for delta, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
	return sb.String(), nil
}
