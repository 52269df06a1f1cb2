package protocol

import (
	"bytes"
	"unicode/utf8"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// DefaultMaxFrameSize bounds the bytes buffered while waiting for a delimiter.
const DefaultMaxFrameSize = 8 << 20

// Frame is one Server-Sent-Event unit.
type Frame struct {
	Event string
	Data  []byte
}

// FrameDecoder reassembles SSE frames from arbitrarily split reads.
//
// Frames end at a blank line, written either as CRLFCRLF or LFLF. Within a
// frame, "event:" sets the name and every "data:" line is joined with "\n".
// Comment lines and the id/retry fields are ignored.
type FrameDecoder struct {
	// MaxFrameSize overrides DefaultMaxFrameSize when positive.
	MaxFrameSize int

	buf []byte
}

// Feed appends chunk to the buffer and returns every frame completed by it.
func (d *FrameDecoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx, width := nextDelimiter(d.buf)
		if idx < 0 {
			break
		}
		raw := d.buf[:idx]
		d.buf = d.buf[idx+width:]

		frame, ok, err := parseFrame(raw)
		if err != nil {
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	limit := d.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	if len(d.buf) > limit {
		return frames, models.Errorf(models.ErrorDecode, "sse", "frame exceeds %d bytes without a delimiter", limit)
	}

	// Release the consumed prefix once the buffer drains.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Flush returns a trailing frame left without a delimiter when the connection
// closed. It returns false when nothing but whitespace remains.
func (d *FrameDecoder) Flush() (Frame, bool, error) {
	raw := d.buf
	d.buf = nil
	if len(bytes.TrimSpace(raw)) == 0 {
		return Frame{}, false, nil
	}
	return parseFrame(raw)
}

// Buffered reports how many bytes await a delimiter.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

func nextDelimiter(buf []byte) (int, int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case crlf < 0:
		return lf, 2
	case lf < 0 || crlf < lf:
		return crlf, 4
	default:
		return lf, 2
	}
}

func parseFrame(raw []byte) (Frame, bool, error) {
	if !utf8.Valid(raw) {
		return Frame{}, false, models.NewError(models.ErrorDecode, "sse", "frame contains invalid UTF-8")
	}

	var (
		frame   Frame
		data    [][]byte
		hasData bool
	)
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}

		switch string(field) {
		case "event":
			frame.Event = string(value)
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if !hasData && frame.Event == "" {
		return Frame{}, false, nil
	}
	frame.Data = bytes.Join(data, []byte("\n"))
	return frame, true, nil
}
