// Package stream encodes run events as server-sent event frames and decodes
// SSE streams.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// EventName is the SSE event name of every run event frame.
const EventName = "run_event"

// EncodeFrame renders ev as one SSE frame:
//
//	id: <seq>
//	event: run_event
//	data: <json>
//	<blank line>
func EncodeFrame(ev domain.RunEvent) ([]byte, error) {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode run event %d: %w", ev.Seq, err)
	}
	buf := make([]byte, 0, len(data)+48)
	buf = append(buf, "id: "...)
	buf = strconv.AppendInt(buf, ev.Seq, 10)
	buf = append(buf, "\nevent: "+EventName+"\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}

// WriteFrame encodes ev and writes it to w.
func WriteFrame(w io.Writer, ev domain.RunEvent) error {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// WriteComment writes an SSE comment line, used as a keep-alive.
func WriteComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// Frame is one decoded SSE frame.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// RunEvent decodes the frame's data as a run event.
func (f Frame) RunEvent() (domain.RunEvent, error) {
	var ev domain.RunEvent
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return ev, fmt.Errorf("decode run event frame %q: %w", f.ID, err)
	}
	return ev, nil
}

// Decoder reads SSE frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream ends cleanly.
// Comment lines are skipped.
func (d *Decoder) Next() (Frame, error) {
	var f Frame
	var data []string
	seen := false
	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if seen {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
			seen = true
		case "event":
			f.Event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	// Handle any remaining event
	if seen {
		f.Data = strings.Join(data, "\n")
		return f, nil
	}
	return Frame{}, io.EOF
}
