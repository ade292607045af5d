package eventloop

import (
	"github.com/dfingerd/dfingerd/internal/lineproto"
	"github.com/dfingerd/dfingerd/internal/update"
)

// Kind distinguishes the role a table entry plays in the multiplexer.
type Kind int

const (
	// KindUpdateListener is the listening socket agents connect to.
	KindUpdateListener Kind = iota
	// KindFingerListener is the listening socket finger clients connect
	// to.
	KindFingerListener
	// KindUpdateConn is an open agent connection.
	KindUpdateConn
	// KindFingerConn is an open finger client connection, live only
	// until its one request has been answered.
	KindFingerConn
)

// readBufSize bounds a single connection's unread-data window; the
// per-connection buffer never grows.
const readBufSize = 4096

// Conn is one entry in the event loop's connection table: either a
// listening socket or an open client connection. Index mirrors its
// position in Table.entries and the parallel poll fd slice; it is kept
// current by Table's swap-remove.
type Conn struct {
	FD    int
	Kind  Kind
	Index int

	// Peer is the resolved hostname of the connecting client, set at
	// accept time. The reporting machine is identified from the peer's
	// address, never from the payload.
	Peer string

	// Agent is non-nil for KindUpdateConn: the per-connection update
	// protocol state machine.
	Agent *update.Agent

	buf      [readBufSize]byte
	validLen int
	cursor   int

	// out holds response bytes not yet fully written (KindFingerConn:
	// the rendered finger response; write is retried on EAGAIN).
	out       []byte
	outCursor int
}

// FetchLine pulls the next framed line out of c's read buffer.
func (c *Conn) FetchLine(out []byte) (line []byte, result lineproto.Result, err error) {
	line, newCursor, result, err := lineproto.FetchLine(c.buf[:], c.validLen, c.cursor, out)
	c.cursor = newCursor
	return line, result, err
}

// Compact slides unread bytes to the front of c's read buffer, making
// room for the next read.
func (c *Conn) Compact() {
	c.validLen = lineproto.Compact(c.buf[:], c.validLen, c.cursor)
	c.cursor = 0
}

// FreeSpace reports how many bytes may still be appended to c's read
// buffer before it is full.
func (c *Conn) FreeSpace() int { return len(c.buf) - c.validLen }

// AppendRead records n freshly-read bytes at the tail of c's buffer.
// The caller must read into c.buf[c.validLen:] directly.
func (c *Conn) AppendRead(n int) { c.validLen += n }

// ReadSlice returns the writable tail of c's read buffer, for a raw
// unix.Read call.
func (c *Conn) ReadSlice() []byte { return c.buf[c.validLen:] }

// PendingWrite reports whether c has buffered output still to flush.
func (c *Conn) PendingWrite() bool { return c.outCursor < len(c.out) }

// SetOutput arms c with resp as its full pending response.
func (c *Conn) SetOutput(resp []byte) {
	c.out = resp
	c.outCursor = 0
}

// WriteChunk returns the unwritten tail of c's output buffer.
func (c *Conn) WriteChunk() []byte { return c.out[c.outCursor:] }

// AdvanceWrite records n bytes successfully written.
func (c *Conn) AdvanceWrite(n int) { c.outCursor += n }

// Table is the event loop's slice-backed connection table, an indexed
// collection with O(1) removal via swap-with-last. It keeps the
// parallel poll fd slice compact.
type Table struct {
	entries []*Conn
}

// NewTable creates an empty connection table.
func NewTable() *Table { return &Table{} }

// Add appends c to the table and stamps its Index.
func (t *Table) Add(c *Conn) {
	c.Index = len(t.entries)
	t.entries = append(t.entries, c)
}

// Remove drops the entry at index via swap-with-last: the last entry
// (if any) is moved into the freed slot and its Index updated. It
// returns the conn that was moved into index, or nil if index was
// already the last entry (nothing needed moving). Callers that key
// other state on a Conn's Index (e.g. Machine.ConnID) must reconcile
// that state against the returned conn's new Index.
func (t *Table) Remove(index int) *Conn {
	n := len(t.entries)
	if index < 0 || index >= n {
		return nil
	}
	last := n - 1
	if index == last {
		t.entries[last] = nil
		t.entries = t.entries[:last]
		return nil
	}
	moved := t.entries[last]
	t.entries[index] = moved
	moved.Index = index
	t.entries[last] = nil
	t.entries = t.entries[:last]
	return moved
}

// Len reports the number of entries currently tracked.
func (t *Table) Len() int { return len(t.entries) }

// At returns the entry at index.
func (t *Table) At(index int) *Conn { return t.entries[index] }

// All returns every tracked entry. The returned slice aliases the
// table's internal storage and must not be mutated by the caller.
func (t *Table) All() []*Conn { return t.entries }
