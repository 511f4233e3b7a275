// Package sse decodes server-push event streams into discrete frames,
// independent of any backend's semantics. It is the wire layer under every
// backend normalizer: bytes in, JSON-carrying frames out.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// DoneSentinel is the literal payload that terminates a stream.
const DoneSentinel = "[DONE]"

// Frame is one decoded SSE event: an optional event-type label and a
// JSON-valid data payload.
type Frame struct {
	// Event is the value of the frame's "event:" line, if any
	Event string

	// Data is the frame's data payload, concatenated across "data:" lines
	// and validated as JSON before the frame is yielded
	Data json.RawMessage
}

// Decoder turns a raw byte stream into a lazy, finite, non-restartable
// sequence of frames. It maintains an internal buffer, splitting on blank
// lines (`\n\n`, tolerant of `\r\n\r\n`) and retaining the final, possibly
// incomplete segment for the next read. Splitting happens on ASCII
// delimiters only and segments are stringified whole, so multi-byte
// sequences are never cut mid-rune.
//
// Frame handling:
//   - "event:" lines set the pending event-type label
//   - "data:" lines are concatenated (joined by \n when repeated)
//   - ":" comment lines are ignored (keep-alives)
//   - lines opening with '{' or '[' are treated as implicit data lines,
//     for backends that omit the "data:" prefix
//   - a [DONE] payload terminates the sequence immediately
//   - payloads that fail JSON validation are dropped, not surfaced
//
// An upstream read error is propagated to the consumer and terminates the
// sequence. A Decoder is not safe for concurrent use.
type Decoder struct {
	r           io.Reader
	buf         bytes.Buffer
	read        []byte
	upstreamEOF bool
	done        bool
	err         error
}

// NewDecoder wraps a byte stream. If r is an io.Closer, Close releases it.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, read: make([]byte, 4096)}
}

// Next returns the next decoded frame. It returns io.EOF when the stream
// terminates normally (upstream end or [DONE] sentinel) and the upstream
// error when the transport breaks. After a terminal return every subsequent
// call returns the same result.
func (d *Decoder) Next() (Frame, error) {
	for {
		if d.err != nil {
			return Frame{}, d.err
		}
		if d.done {
			return Frame{}, io.EOF
		}

		segment, ok := d.nextSegment()
		if !ok {
			if err := d.fill(); err != nil {
				return Frame{}, err
			}
			continue
		}

		frame, ok, terminal := parseSegment(segment)
		if terminal {
			d.done = true
			return Frame{}, io.EOF
		}
		if ok {
			return frame, nil
		}
		// Empty or malformed frame: non-fatal, keep reading.
	}
}

// Close terminates the sequence and releases the underlying reader if it is
// closable. Aborting the upstream call this way makes a blocked Next return
// promptly with the reader's error.
func (d *Decoder) Close() error {
	if d.err == nil && !d.done {
		d.err = llmstream.ErrStreamClosed
	}
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// fill reads one chunk from the upstream into the buffer. At upstream EOF a
// non-empty remainder is terminated so it parses as a final segment;
// otherwise the sequence ends.
func (d *Decoder) fill() error {
	if d.upstreamEOF {
		d.done = true
		return nil
	}

	n, err := d.r.Read(d.read)
	if n > 0 {
		d.buf.Write(d.read[:n])
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		d.upstreamEOF = true
		if d.buf.Len() == 0 {
			d.done = true
			return nil
		}
		// Terminate the trailing segment so it is not silently dropped.
		d.buf.WriteString("\n\n")
		return nil
	}
	d.err = fmt.Errorf("sse: read: %w", err)
	return d.err
}

// nextSegment extracts the next complete blank-line-terminated segment from
// the buffer, or reports that none is available yet.
func (d *Decoder) nextSegment() ([]byte, bool) {
	data := d.buf.Bytes()

	sepLen := 2
	idx := bytes.Index(data, []byte("\n\n"))
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (idx < 0 || crlf < idx) {
		idx, sepLen = crlf, 4
	}
	if idx < 0 {
		return nil, false
	}

	segment := make([]byte, idx)
	copy(segment, data[:idx])
	d.buf.Next(idx + sepLen)
	return segment, true
}

// parseSegment folds a segment's lines into a frame.
// Returns (frame, yielded, terminal).
func parseSegment(segment []byte) (Frame, bool, bool) {
	var eventType string
	var dataBuf bytes.Buffer

	for _, line := range bytes.Split(segment, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0:
			// Stray blank line inside a segment: nothing to do.
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.Write(bytes.TrimSpace(line[len("data:"):]))
		case line[0] == ':':
			// Keep-alive comment.
		case line[0] == '{' || line[0] == '[':
			// Implicit data line from backends that omit the prefix.
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.Write(line)
		default:
			// Unknown field: ignored per the SSE contract.
		}
	}

	if dataBuf.Len() == 0 {
		return Frame{}, false, false
	}
	payload := dataBuf.Bytes()
	if string(bytes.TrimSpace(payload)) == DoneSentinel {
		return Frame{}, false, true
	}
	if !gjson.ValidBytes(payload) {
		// Malformed frame: swallowed, not an error.
		return Frame{}, false, false
	}
	return Frame{Event: eventType, Data: json.RawMessage(payload)}, true, false
}
