// Package envelope defines the JournalEntry carrier: a monotonic sequence
// number plus an opaque payload. The wire format of the payload itself is a
// stable byte-oriented format owned by the engine and the masters that
// produce entries; this package only adds the target-journal framing that
// the core needs to route payloads to the right LogicalJournal.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Entry is the decoded form of a committed or about-to-be-appended journal
// entry. SN is assigned by the writer; negative values are reserved for
// term-start sentinels, and carry no Target.
type Entry struct {
	SN      int64
	Target  string
	Payload []byte
}

// IsSentinel reports whether e is a term-start sentinel.
func (e Entry) IsSentinel() bool {
	return e.SN < 0
}

var errTruncatedFrame = errors.New("envelope: truncated target frame")

// EncodeTarget prepends a small length-delimited frame identifying target to
// payload, producing the bytes an in-process caller (or consensus.NewFake)
// would see as the entry's opaque Payload. Real deployments may use a
// different in-payload framing entirely; this one exists so this module's
// own tests and fake engine don't need to invent one ad hoc.
func EncodeTarget(target string, payload []byte) []byte {
	buf := make([]byte, 2+len(target)+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(target)))
	n := copy(buf[2:], target)
	copy(buf[2+n:], payload)
	return buf
}

// DecodeTarget reverses EncodeTarget.
func DecodeTarget(framed []byte) (target string, payload []byte, err error) {
	if len(framed) < 2 {
		return "", nil, errTruncatedFrame
	}
	n := int(binary.BigEndian.Uint16(framed))
	if len(framed) < 2+n {
		return "", nil, fmt.Errorf("%w: want %d bytes, have %d", errTruncatedFrame, 2+n, len(framed))
	}
	return string(framed[2 : 2+n]), framed[2+n:], nil
}
