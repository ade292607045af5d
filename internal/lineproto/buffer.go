// Package lineproto implements the framed line-extraction primitive
// shared by the update protocol, the finger protocol, and the dump
// reader: given a byte buffer, its valid length, and a
// read cursor, advance the cursor past the next newline-terminated
// record.
package lineproto

import "errors"

// Result is the outcome of a single FetchLine call.
type Result int

const (
	// LineFetched means one non-empty line was copied out, terminator
	// stripped.
	LineFetched Result = iota
	// BlankLine means an empty line was found, used as a record
	// separator in the update/finger protocols and the dump format.
	BlankLine
	// WantMore means no terminator was found in the buffer; the caller
	// must read more bytes before retrying.
	WantMore
	// TooLong means the line exceeds the output buffer's capacity.
	TooLong
	// Err means some other framing error occurred.
	Err
)

// ErrNegativeCursor is returned when the cursor is out of range.
var ErrNegativeCursor = errors.New("lineproto: cursor out of range")

// FetchLine scans buf[cursor:validLen] for a '\n'. On success it copies
// the bytes before the terminator (CR stripped if present) into out and
// returns the new cursor position. This is the only framing primitive;
// every protocol in this repository builds on it.
func FetchLine(buf []byte, validLen, cursor int, out []byte) (line []byte, newCursor int, result Result, err error) {
	if cursor < 0 || cursor > validLen || validLen > len(buf) {
		return nil, cursor, Err, ErrNegativeCursor
	}

	nl := -1
	for i := cursor; i < validLen; i++ {
		if buf[i] == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return nil, cursor, WantMore, nil
	}

	end := nl
	if end > cursor && buf[end-1] == '\r' {
		end--
	}

	n := end - cursor
	if n == 0 {
		return nil, nl + 1, BlankLine, nil
	}
	if n > len(out) {
		return nil, nl + 1, TooLong, nil
	}

	copy(out, buf[cursor:end])
	return out[:n], nl + 1, LineFetched, nil
}

// Compact moves the unread bytes buf[cursor:validLen] to the front of
// buf (offset zero) and returns the new valid length. Callers use this
// after FetchLine returns WantMore and before reading more data, so the
// buffer never needs to grow just to keep pace with a long-lived
// connection that is read in small increments.
func Compact(buf []byte, validLen, cursor int) int {
	if cursor <= 0 {
		return validLen
	}
	n := copy(buf, buf[cursor:validLen])
	return n
}
