package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/embedkit/chatwidget/internal/domain"
)

// Decoder turns a raw SSE-style response body into a sequence of
// StreamEvents. Frames are blank-line delimited "field: value" blocks;
// partial frames spanning reads are buffered until the delimiter arrives.
// One decoder is scoped to one response body and is not restartable.
type Decoder struct {
	r       io.Reader
	buf     []byte
	scratch []byte
	queue   []domain.StreamEvent
	err     error
	eof     bool
	closed  bool
}

// NewDecoder creates a decoder over a streaming response body
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, scratch: make([]byte, 2048)}
}

// Next returns the next decoded event. The final event of a well-formed
// stream is {Data: "", Done: true}; after that Next returns io.EOF.
// A server-reported "event: error" frame fails with *domain.StreamError.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	for {
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			if ev.Done {
				d.closed = true
			}
			return ev, nil
		}
		if d.err != nil {
			return domain.StreamEvent{}, d.err
		}
		if d.closed || d.eof {
			return domain.StreamEvent{}, io.EOF
		}

		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
			d.drain(false)
		}
		if err != nil {
			if err == io.EOF {
				d.eof = true
				d.drain(true)
				if d.err == nil {
					d.queue = append(d.queue, domain.StreamEvent{Done: true})
				}
			} else if d.err == nil {
				d.err = fmt.Errorf("failed to read stream: %w", err)
			}
		}
	}
}

// drain parses every complete frame in the buffer. When final is set the
// residual buffer is parsed best-effort even without a trailing delimiter.
func (d *Decoder) drain(final bool) {
	for d.err == nil {
		frame, rest, ok := cutFrame(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		d.parseFrame(frame)
	}
	if final && d.err == nil && len(bytes.TrimSpace(d.buf)) > 0 {
		frame := d.buf
		d.buf = nil
		d.parseFrame(frame)
	}
}

func (d *Decoder) parseFrame(frame []byte) {
	eventName := "data"
	var data []string

	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if value, ok := strings.CutPrefix(line, "event:"); ok {
			eventName = strings.TrimSpace(value)
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			// only a single leading space is meaningful in SSE
			data = append(data, strings.TrimPrefix(value, " "))
		}
		// unknown fields are ignored
	}

	joined := strings.Join(data, "\n")

	if eventName == "error" {
		d.err = &domain.StreamError{Message: joined}
		return
	}
	// [DONE] and empty data are suppressed without ending the stream;
	// only the end of the body terminates decoding
	if joined == "" || joined == "[DONE]" {
		return
	}
	d.queue = append(d.queue, domain.StreamEvent{Data: joined})
}

// cutFrame splits the buffer at the first blank-line delimiter,
// accepting both LF and CRLF line endings
func cutFrame(buf []byte) (frame, rest []byte, ok bool) {
	i := bytes.Index(buf, []byte("\n\n"))
	j := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case j >= 0 && (i < 0 || j < i):
		return buf[:j], buf[j+4:], true
	case i >= 0:
		return buf[:i], buf[i+2:], true
	}
	return nil, buf, false
}
