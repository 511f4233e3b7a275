package sse

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// TextDecoder is the decoder variant for backends that stream raw text
// deltas with no envelope: each chunk is decoded and yielded verbatim.
//
// Byte chunks can split a multi-byte UTF-8 sequence; the decoder holds back
// a trailing incomplete sequence and prepends it to the next chunk, so every
// yielded string is valid UTF-8 and concatenating all yields reproduces the
// input exactly.
type TextDecoder struct {
	r       io.Reader
	read    []byte
	pending []byte
	done    bool
	err     error
}

// NewTextDecoder wraps a raw text byte stream.
func NewTextDecoder(r io.Reader) *TextDecoder {
	return &TextDecoder{r: r, read: make([]byte, 4096)}
}

// Next returns the next text delta. It returns io.EOF at upstream end and
// the upstream error when the transport breaks.
func (d *TextDecoder) Next() (string, error) {
	for {
		if d.err != nil {
			return "", d.err
		}
		if d.done {
			return "", io.EOF
		}

		n, err := d.r.Read(d.read)
		if n > 0 {
			d.pending = append(d.pending, d.read[:n]...)
			if out := d.takeComplete(); out != "" {
				if err != nil && errors.Is(err, io.EOF) {
					d.done = true
				}
				return out, nil
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			d.done = true
			if len(d.pending) > 0 {
				// Trailing bytes that never completed a rune are yielded
				// as-is rather than dropped.
				out := string(d.pending)
				d.pending = nil
				return out, nil
			}
			return "", io.EOF
		}
		d.err = fmt.Errorf("sse: read: %w", err)
		return "", d.err
	}
}

// Close terminates the sequence and releases the underlying reader if it is
// closable.
func (d *TextDecoder) Close() error {
	if d.err == nil && !d.done {
		d.err = llmstream.ErrStreamClosed
	}
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// takeComplete returns the longest prefix of pending that ends on a rune
// boundary, retaining the rest.
func (d *TextDecoder) takeComplete() string {
	cut := len(d.pending)
	for cut > 0 && cut > len(d.pending)-utf8.UTFMax {
		r, size := utf8.DecodeLastRune(d.pending[:cut])
		if r != utf8.RuneError || size > 1 {
			break
		}
		// A lone RuneError of size 1 at the tail may be an incomplete
		// sequence; hold it back until more bytes arrive.
		cut--
	}
	if cut == 0 {
		return ""
	}
	out := string(d.pending[:cut])
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return out
}
