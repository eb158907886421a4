// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"bytes"
	"errors"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// MaxLineSize bounds the retained tail. A single line larger than this fails
// the stream instead of growing the buffer without limit.
const MaxLineSize = 1024 * 1024

// DoneSentinel is the payload that ends an OpenAI-compatible stream.
const DoneSentinel = "[DONE]"

// ErrLineTooLong is returned when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

var dataPrefix = []byte("data:")

// =============================================================================
// DECODER
// =============================================================================

// Decoder frames a byte stream into data payloads. It is not safe for
// concurrent use.
type Decoder struct {
	tail []byte
	done bool
}

// Feed consumes p and returns the payloads completed by it. done reports that
// the [DONE] sentinel was seen; anything after it is discarded and later calls
// return nothing.
func (d *Decoder) Feed(p []byte) (payloads []string, done bool, err error) {
	if d.done {
		return nil, true, nil
	}

	buf := p
	if len(d.tail) > 0 {
		buf = append(d.tail, p...)
		d.tail = nil
	}

	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(buf[:i], []byte("\r"))
		buf = buf[i+1:]

		data, ok := parseDataLine(line)
		if !ok {
			continue
		}
		if data == DoneSentinel {
			d.done = true
			return payloads, true, nil
		}
		payloads = append(payloads, data)
	}

	if len(buf) > MaxLineSize {
		return payloads, false, ErrLineTooLong
	}
	if len(buf) > 0 {
		// Copy: buf may alias the caller's slice.
		d.tail = append([]byte(nil), buf...)
	}
	return payloads, false, nil
}

// Pending returns the number of buffered bytes awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.tail)
}

// Done reports whether the sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// parseDataLine extracts the payload of a "data:" line. Blank lines, comments
// and other fields are rejected.
func parseDataLine(line []byte) (string, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return "", false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", false
	}
	data := line[len(dataPrefix):]
	// A single leading space belongs to the field separator.
	if len(data) > 0 && data[0] == ' ' {
		data = data[1:]
	}
	return string(data), true
}
