// Package jsonutil compacts caller-supplied JSON payloads (evidence blobs,
// event data) before they are persisted or appended to the event stream.
// Payload contents are never interpreted, only validated and re-serialized.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// Payloads at or below this size that carry no whitespace skip the streaming
// compactor entirely.
const smallJSONThreshold = 2048

// Compact validates raw as JSON and returns it with insignificant whitespace
// removed. maxBytes bounds the accepted input size (<=0 disables the limit).
func Compact(raw []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("json: invalid input")
	}
	if len(raw) <= smallJSONThreshold && !containsSpace(raw) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return jpact.CompactToBuffer(bytes.NewReader(raw), maxBytes)
}

// CompactWriter streams JSON from r to w, stripping insignificant whitespace.
// Small payloads are buffered and validated in place; anything larger is
// handed to the streaming compactor. maxBytes limits the number of bytes read
// from r (<=0 disables the limit).
func CompactWriter(w io.Writer, r io.Reader, maxBytes int64) error {
	threshold := smallJSONThreshold
	if maxBytes > 0 && maxBytes < int64(threshold) {
		threshold = int(maxBytes)
	}
	if threshold <= 0 {
		return jpact.CompactWriter(w, r, maxBytes)
	}

	head, eof, err := readUpTo(r, threshold+1)
	if err != nil {
		return err
	}
	if maxBytes > 0 && int64(len(head)) > maxBytes {
		return fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
	}
	if eof && len(head) <= threshold {
		if !json.Valid(head) {
			return fmt.Errorf("json: invalid input")
		}
		if !containsSpace(head) {
			_, err = w.Write(head)
			return err
		}
		return jpact.CompactWriter(w, bytes.NewReader(head), maxBytes)
	}
	return jpact.CompactWriter(w, io.MultiReader(bytes.NewReader(head), r), maxBytes)
}

// readUpTo reads at most limit bytes from r and reports whether r was
// exhausted before the limit.
func readUpTo(r io.Reader, limit int) ([]byte, bool, error) {
	buf := make([]byte, limit)
	total := 0
	for total < limit {
		n, err := r.Read(buf[total:limit])
		total += n
		if err == io.EOF {
			return buf[:total], true, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
	return buf[:total], false, nil
}

func containsSpace(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\n', '\t', '\r':
			return true
		}
	}
	return false
}
