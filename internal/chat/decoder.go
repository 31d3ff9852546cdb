package chat

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// frame mirrors one "data:" payload on the wire. Pointer fields distinguish
// absent from empty.
type frame struct {
	Delta    *string   `json:"delta"`
	Metadata *Metadata `json:"metadata"`
	Done     bool      `json:"done"`
	Error    *string   `json:"error"`
}

// Decoder turns a chunked response body into a finite sequence of Events.
//
// Frames are newline-delimited lines starting with the literal prefix
// "data:"; anything else is ignored. Bytes are buffered until a full line is
// available, so a multi-byte UTF-8 rune split across two chunks is
// reassembled before any string conversion happens. Unparseable payloads are
// dropped with a warning and decoding continues.
//
// The sequence is not restartable: once Next returns io.EOF it returns
// io.EOF forever, and a new exchange needs a new Decoder.
type Decoder struct {
	r       *bufio.Reader
	pending []Event
	done    bool
	err     error // read error held back until pending events drain
}

// NewDecoder wraps a response body. The Decoder does not close r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next decoded event. It returns io.EOF when the stream is
// exhausted, or the underlying read error if the body fails mid-stream.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			if d.err != nil {
				err := d.err
				d.err = nil
				return Event{}, err
			}
			return Event{}, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if line != "" {
			d.pending = append(d.pending, decodeFrame(line)...)
		}
		if err != nil {
			d.done = true
			if err != io.EOF {
				d.err = err
			}
			continue
		}

		// A done or error frame ends the sequence; stop reading so no
		// further frames are requested from the body.
		for _, ev := range d.pending {
			if ev.Kind == EventDone || ev.Kind == EventError {
				d.done = true
				break
			}
		}
	}
}

// decodeFrame parses one wire line into zero or more events. A frame that
// carries both a delta and metadata yields both events, delta first.
func decodeFrame(line string) []Event {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return nil
	}

	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		slog.Warn("dropping malformed stream frame", "frame", snippet(payload), "error", err)
		return nil
	}

	var evs []Event
	if f.Delta != nil {
		evs = append(evs, Event{Kind: EventDelta, Text: *f.Delta})
	}
	if f.Metadata != nil {
		evs = append(evs, Event{Kind: EventMetadata, Metadata: f.Metadata})
	}
	if f.Error != nil {
		return append(evs, Event{Kind: EventError, Text: *f.Error})
	}
	if f.Done {
		return append(evs, Event{Kind: EventDone})
	}
	return evs
}

const snippetMaxRunes = 120

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetMaxRunes]) + "..."
}
