// Package event defines the binary record layout shared between the BPF
// capture programs and the userspace consumer, the preallocated capture
// buffer, and the trace renderer.
//
// The layouts are packed and byte-stable: the BPF side writes them with
// explicit stores at the offsets below, and the Go side decodes them
// field by field. Both sides must agree on these constants.
package event

import (
	"encoding/binary"
	"fmt"
)

// Record kind discriminants. These values travel through the ring buffer.
const (
	KindEntry uint32 = 0
	KindExit  uint32 = 1
)

// Packed record sizes in bytes. EntrySize must stay strictly larger than
// ExitSize so the two can also be told apart by length on the wire.
const (
	EntrySize = 32
	ExitSize  = 12
)

// Entry record field offsets.
const (
	entryOffTimestamp = 0
	entryOffArg1      = 8
	entryOffArg2      = 12
	entryOffArg4      = 20
	entryOffKind      = 28
)

// Exit record field offsets.
const (
	exitOffTimestamp = 0
	exitOffKind      = 8
)

// Entry is the decoded form of an entry record: the monotonic capture
// timestamp plus the argument registers at the instant the traced
// function was entered. Arg4 is a raw pointer value and is never
// dereferenced.
type Entry struct {
	Timestamp uint64
	Arg1      int32
	Arg2      uint64
	Arg4      uint64
}

// Exit is the decoded form of an exit record.
type Exit struct {
	Timestamp uint64
}

// DecodeEntry parses a raw entry record. The layout is packed, so this
// is done with explicit offsets rather than binary.Read into a struct.
func DecodeEntry(raw []byte) (Entry, error) {
	if len(raw) != EntrySize {
		return Entry{}, fmt.Errorf("entry record is %d bytes, want %d", len(raw), EntrySize)
	}
	if kind := binary.LittleEndian.Uint32(raw[entryOffKind:]); kind != KindEntry {
		return Entry{}, fmt.Errorf("entry record has kind %d, want %d", kind, KindEntry)
	}
	return Entry{
		Timestamp: binary.LittleEndian.Uint64(raw[entryOffTimestamp:]),
		Arg1:      int32(binary.LittleEndian.Uint32(raw[entryOffArg1:])),
		Arg2:      binary.LittleEndian.Uint64(raw[entryOffArg2:]),
		Arg4:      binary.LittleEndian.Uint64(raw[entryOffArg4:]),
	}, nil
}

// DecodeExit parses a raw exit record.
func DecodeExit(raw []byte) (Exit, error) {
	if len(raw) != ExitSize {
		return Exit{}, fmt.Errorf("exit record is %d bytes, want %d", len(raw), ExitSize)
	}
	if kind := binary.LittleEndian.Uint32(raw[exitOffKind:]); kind != KindExit {
		return Exit{}, fmt.Errorf("exit record has kind %d, want %d", kind, KindExit)
	}
	return Exit{Timestamp: binary.LittleEndian.Uint64(raw[exitOffTimestamp:])}, nil
}

// EncodeEntry produces the wire form of an entry record. The BPF program
// writes this layout directly; userspace only encodes it in tests and
// tooling.
func EncodeEntry(e Entry) []byte {
	raw := make([]byte, EntrySize)
	binary.LittleEndian.PutUint64(raw[entryOffTimestamp:], e.Timestamp)
	binary.LittleEndian.PutUint32(raw[entryOffArg1:], uint32(e.Arg1))
	binary.LittleEndian.PutUint64(raw[entryOffArg2:], e.Arg2)
	binary.LittleEndian.PutUint64(raw[entryOffArg4:], e.Arg4)
	binary.LittleEndian.PutUint32(raw[entryOffKind:], KindEntry)
	return raw
}

// EncodeExit produces the wire form of an exit record.
func EncodeExit(e Exit) []byte {
	raw := make([]byte, ExitSize)
	binary.LittleEndian.PutUint64(raw[exitOffTimestamp:], e.Timestamp)
	binary.LittleEndian.PutUint32(raw[exitOffKind:], KindExit)
	return raw
}
