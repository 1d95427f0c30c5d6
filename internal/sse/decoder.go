// Package sse splits a server-sent-event byte stream into decoded events.
package sse

import (
	"bytes"

	"github.com/fakeyudi/sessionwatch/internal/event"
)

// DataPrefix marks an event payload line.
const DataPrefix = "data: "

// Decoder turns arbitrary byte chunks into events, one per "data: " line.
// A Decoder holds the partial line left over from the previous chunk, so
// each stream needs its own.
type Decoder struct {
	buf     []byte
	dropped int
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and decodes every complete line now buffered, in order.
// Lines without the data prefix and payloads that fail to parse are dropped.
func (d *Decoder) Feed(chunk []byte) []*event.Event {
	// Only bytes after the last consumed newline can hold one, so a frame
	// split over many chunks is scanned once.
	scan := len(d.buf)
	d.buf = append(d.buf, chunk...)

	var events []*event.Event
	off := 0
	for {
		i := bytes.IndexByte(d.buf[scan:], '\n')
		if i < 0 {
			break
		}
		end := scan + i
		if ev := d.decodeLine(d.buf[off:end]); ev != nil {
			events = append(events, ev)
		}
		off = end + 1
		scan = off
	}
	// Compact once per chunk, and only when a line was consumed.
	switch {
	case off == len(d.buf):
		d.buf = nil
	case off > 0:
		d.buf = append([]byte(nil), d.buf[off:]...)
	}
	return events
}

// Flush decodes an unterminated final line, if any. Call it once the stream
// has ended.
func (d *Decoder) Flush() []*event.Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev := d.decodeLine(line); ev != nil {
		return []*event.Event{ev}
	}
	return nil
}

// Dropped returns how many data lines failed to parse. Non-data lines such as
// comments, "event:" fields and blank separators are not counted.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) decodeLine(line []byte) *event.Event {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return nil
	}
	ev, err := event.Parse(line[len(DataPrefix):])
	if err != nil {
		d.dropped++
		return nil
	}
	return ev
}
