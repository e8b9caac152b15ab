// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package libmp // import "github.com/miniperf/miniperf/libmp"

import (
	"encoding/binary"
	"fmt"
)

// IPC message payloads share the event frame format, prefixed with a
// one-byte tag. The schema is frozen alongside the event layout.
const (
	ipcTagEvent  = 0
	ipcTagString = 1
)

// IPCString publishes one intern-dictionary entry from a producer. Key
// is producer-local; the receiver maintains a per-producer dictionary.
type IPCString struct {
	Key   uint64
	Value string
}

// IPCMessage is the tagged union carried by the collector transport:
// exactly one of Event and String is set.
type IPCMessage struct {
	Event  *Event
	String *IPCString
}

// AppendBinary appends the encoded message to b.
func (m *IPCMessage) AppendBinary(b []byte) ([]byte, error) {
	switch {
	case m.Event != nil:
		b = append(b, ipcTagEvent)
		return m.Event.AppendBinary(b), nil
	case m.String != nil:
		b = append(b, ipcTagString)
		b = binary.LittleEndian.AppendUint64(b, m.String.Key)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(m.String.Value)))
		return append(b, m.String.Value...), nil
	default:
		return nil, fmt.Errorf("%w: empty ipc message", ErrDecode)
	}
}

// DecodeIPCMessage decodes one frame payload produced by AppendBinary.
func DecodeIPCMessage(payload []byte) (*IPCMessage, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty ipc payload", ErrDecode)
	}
	switch payload[0] {
	case ipcTagEvent:
		ev, err := DecodeEvent(payload[1:])
		if err != nil {
			return nil, err
		}
		return &IPCMessage{Event: ev}, nil
	case ipcTagString:
		rest := payload[1:]
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: truncated ipc string", ErrDecode)
		}
		key := binary.LittleEndian.Uint64(rest)
		size := binary.LittleEndian.Uint32(rest[8:])
		rest = rest[12:]
		if int(size) != len(rest) {
			return nil, fmt.Errorf("%w: ipc string length %d, have %d bytes",
				ErrDecode, size, len(rest))
		}
		return &IPCMessage{String: &IPCString{Key: key, Value: string(rest)}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown ipc tag %d", ErrDecode, payload[0])
	}
}
