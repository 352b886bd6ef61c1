// Package sse turns the relayed chat byte stream back into text deltas.
//
// Records are newline-terminated. Only "data:" records carry payload; the
// "[DONE]" sentinel and anything that does not parse are skipped so that one
// bad record never stops the ones after it.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
)

const (
	dataPrefix = "data:"
	sentinel   = "[DONE]"
)

// errSkip marks records that carry no text and are not errors either.
var errSkip = errors.New("sse: record carries no payload")

// DecodeError describes one record that could not be parsed. It never aborts
// decoding.
type DecodeError struct {
	Record []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sse: malformed record %q: %v", e.Record, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// State is the undecoded remainder carried between calls. The zero value is
// the start of a stream.
type State struct {
	pending []byte
}

// Pending reports how many bytes are buffered waiting for a record boundary.
func (s State) Pending() int { return len(s.pending) }

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Deltas splits buf (prefixed by whatever st carried) into complete records
// and returns a sequence over their text fragments together with the state
// for the next call. Records are parsed only while the sequence is iterated,
// and iterating it again yields the same fragments.
func Deltas(buf []byte, st State) (iter.Seq[string], State) {
	records, next := split(buf, st)
	seq := func(yield func(string) bool) {
		for _, rec := range records {
			text, err := parseRecord(rec)
			if err != nil || text == "" {
				continue
			}
			if !yield(text) {
				return
			}
		}
	}
	return seq, next
}

// Decode is Deltas collected into a slice.
func Decode(buf []byte, st State) ([]string, State) {
	seq, next := Deltas(buf, st)
	var out []string
	for text := range seq {
		out = append(out, text)
	}
	return out, next
}

// Flush decodes a final record left unterminated when the stream ended.
func Flush(st State) []string {
	out, _ := Decode([]byte("\n"), st)
	return out
}

func split(buf []byte, st State) ([][]byte, State) {
	data := buf
	if len(st.pending) > 0 {
		data = make([]byte, 0, len(st.pending)+len(buf))
		data = append(data, st.pending...)
		data = append(data, buf...)
	}

	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		return nil, State{pending: bytes.Clone(data)}
	}

	var next State
	if rest := data[cut+1:]; len(rest) > 0 {
		next.pending = bytes.Clone(rest)
	}
	complete := data[:cut]
	return bytes.Split(bytes.Clone(complete), []byte{'\n'}), next
}

func isSentinel(line []byte) bool {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return false
	}
	return string(bytes.TrimSpace(line[len(dataPrefix):])) == sentinel
}

// parseRecord returns errSkip for records without text payload and a
// *DecodeError for data records that fail to parse.
func parseRecord(line []byte) (string, error) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", errSkip
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 || string(payload) == sentinel {
		return "", errSkip
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", &DecodeError{Record: bytes.Clone(line), Err: err}
	}
	if len(c.Choices) == 0 {
		return "", errSkip
	}
	if text := c.Choices[0].Delta.Content; text != "" {
		return text, nil
	}
	return c.Choices[0].Message.Content, nil
}

// Decoder wraps Decode for callers that read a stream chunk by chunk.
type Decoder struct {
	state State
	done  bool
	// OnError, when set, sees every record that was dropped as malformed.
	OnError func(*DecodeError)
}

// Feed decodes the next chunk of the stream.
func (d *Decoder) Feed(buf []byte) []string {
	records, next := split(buf, d.state)
	d.state = next
	return d.collect(records)
}

// Close decodes any unterminated trailing record and resets the decoder.
func (d *Decoder) Close() []string {
	records, _ := split([]byte("\n"), d.state)
	d.state = State{}
	return d.collect(records)
}

// Done reports whether the "[DONE]" sentinel has been seen. A stream that
// ends without it was cut short.
func (d *Decoder) Done() bool { return d.done }

func (d *Decoder) collect(records [][]byte) []string {
	var out []string
	for _, rec := range records {
		if isSentinel(rec) {
			d.done = true
			continue
		}
		text, err := parseRecord(rec)
		if err != nil {
			var de *DecodeError
			if d.OnError != nil && errors.As(err, &de) {
				d.OnError(de)
			}
			continue
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}
