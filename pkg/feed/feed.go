// Package feed reads rated sequences from comma separated text.
//
// Each non-empty line is one sequence: the rating followed by the items in
// order.
//
//	# rating,items...
//	1,a,b,c
//	3,a,d
//	8,d,b
//
// Lines starting with '#' are comments. Whitespace around fields is trimmed.
package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/orneryd/markovrank/pkg/ingest"
)

// ErrMalformed reports a line that is not a valid sequence.
var ErrMalformed = errors.New("malformed sequence")

// Reader decodes sequences one line at a time.
type Reader struct {
	csv *csv.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	c := csv.NewReader(r)
	c.Comment = '#'
	c.FieldsPerRecord = -1
	c.TrimLeadingSpace = true
	c.ReuseRecord = true
	return &Reader{csv: c}
}

// Next returns the next sequence, or io.EOF when the input is exhausted.
func (r *Reader) Next() (ingest.Sequence, error) {
	record, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ingest.Sequence{}, io.EOF
		}
		return ingest.Sequence{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	line, _ := r.csv.FieldPos(0)

	rating, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	if err != nil {
		return ingest.Sequence{}, fmt.Errorf("%w: line %d: rating %q is not a number", ErrMalformed, line, record[0])
	}

	items := make([]string, 0, len(record)-1)
	for _, field := range record[1:] {
		items = append(items, strings.TrimSpace(field))
	}
	return ingest.Sequence{Rating: rating, Items: items, Line: line}, nil
}

// ReadAll decodes every sequence in r.
func ReadAll(r io.Reader) ([]ingest.Sequence, error) {
	reader := NewReader(r)
	var out []ingest.Sequence
	for {
		seq, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, seq)
	}
}

// Stream decodes r into out until EOF, a decoding error or cancellation.
// out is closed when Stream returns.
func Stream(ctx context.Context, r io.Reader, out chan<- ingest.Sequence) error {
	defer close(out)

	reader := NewReader(r)
	for {
		seq, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case out <- seq:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
