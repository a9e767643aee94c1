// Package linecodec frames newline-delimited JSON on a byte stream.
package linecodec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
)

const DefaultMaxLineBytes = 200000

// Reader yields one trimmed, non-blank line per call. Lines longer than the
// configured maximum are dropped whole and counted.
type Reader struct {
	br        *bufio.Reader
	max       int
	buf       []byte
	overflows atomic.Int64
	logger    *slog.Logger
}

func NewReader(r io.Reader, maxLineBytes int, logger *slog.Logger) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = helpers.NopLogger()
	}
	return &Reader{
		br:     bufio.NewReaderSize(r, 64*1024),
		max:    maxLineBytes,
		logger: logger,
	}
}

// ReadLine returns the next line without its terminator. The returned slice is
// owned by the caller. io.EOF is returned once the stream is drained; an
// unterminated last line is still delivered before that.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, overflowed, err := r.next()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if overflowed {
			r.overflows.Add(1)
			r.logger.Warn("Discarding oversized line", "maxLineBytes", r.max)
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return bytes.Clone(trimmed), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Overflows reports how many lines were discarded for exceeding the limit.
func (r *Reader) Overflows() int64 {
	return r.overflows.Load()
}

func (r *Reader) next() ([]byte, bool, error) {
	r.buf = r.buf[:0]
	overflowed := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !overflowed {
			r.buf = append(r.buf, chunk...)
			if len(bytes.TrimRight(r.buf, "\r\n")) > r.max {
				overflowed = true
				r.buf = r.buf[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return r.buf, overflowed, err
	}
}

// Writer serialises values one per line. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Encode(v any) error {
	b, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteLine(b)
}

// WriteLine writes b followed by a newline in a single call.
func (w *Writer) WriteLine(b []byte) error {
	out := make([]byte, 0, len(b)+1)
	out = append(out, b...)
	out = append(out, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(out)
	return err
}
