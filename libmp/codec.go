// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package libmp // import "github.com/miniperf/miniperf/libmp"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The binary event layout is a compatibility boundary: readers of
// recorded sessions and the IPC peers both depend on it. All integers
// are little-endian. Events and IPC messages travel as length-prefixed
// frames: a uint32 payload length followed by the payload.
//
// Event payload:
//
//	unique_id, parent_id, correlation_id   3 x (u64, u64)
//	type                                   u32
//	process_id, thread_id                  u32, u32
//	time_enabled, time_running, timestamp  u64 x 3
//	value, ip                              u64 x 2
//	callstack                              u32 count, then frames
//	metadata                               u32 count, then entries
//
// A callstack frame is a one-byte tag: 0 = raw ip (u64), 1 = resolved
// location (function_name EventID, filename EventID, line u32). A
// metadata entry is key EventID, one-byte tag: 0 = integer (u64),
// 1 = string id (EventID).

const (
	frameTagIP       = 0
	frameTagLocation = 1

	metaTagInteger = 0
	metaTagString  = 1

	// maxFrameSize bounds a single frame so that a corrupted length
	// prefix cannot trigger an unbounded allocation.
	maxFrameSize = 16 << 20
)

// ErrDecode is wrapped by all malformed-record errors produced by this
// file. Callers count and skip such records.
var ErrDecode = errors.New("malformed record")

func appendID(b []byte, id EventID) []byte {
	b = binary.LittleEndian.AppendUint64(b, id.P1)
	return binary.LittleEndian.AppendUint64(b, id.P2)
}

// AppendBinary appends the frozen binary encoding of e to b and returns
// the extended slice. The result is a frame payload, without the length
// prefix.
func (e *Event) AppendBinary(b []byte) []byte {
	b = appendID(b, e.UniqueID)
	b = appendID(b, e.ParentID)
	b = appendID(b, e.CorrelationID)
	b = binary.LittleEndian.AppendUint32(b, uint32(e.Type))
	b = binary.LittleEndian.AppendUint32(b, e.ProcessID)
	b = binary.LittleEndian.AppendUint32(b, e.ThreadID)
	b = binary.LittleEndian.AppendUint64(b, e.TimeEnabled)
	b = binary.LittleEndian.AppendUint64(b, e.TimeRunning)
	b = binary.LittleEndian.AppendUint64(b, e.Timestamp)
	b = binary.LittleEndian.AppendUint64(b, e.Value)
	b = binary.LittleEndian.AppendUint64(b, e.IP)

	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Callstack)))
	for _, frame := range e.Callstack {
		if frame.Resolved {
			b = append(b, frameTagLocation)
			b = appendID(b, frame.Location.FunctionName)
			b = appendID(b, frame.Location.Filename)
			b = binary.LittleEndian.AppendUint32(b, frame.Location.Line)
		} else {
			b = append(b, frameTagIP)
			b = binary.LittleEndian.AppendUint64(b, frame.IP)
		}
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(e.Metadata)))
	for _, md := range e.Metadata {
		b = appendID(b, md.Key)
		if md.Value.IsString {
			b = append(b, metaTagString)
			b = appendID(b, md.Value.StringID)
		} else {
			b = append(b, metaTagInteger)
			b = binary.LittleEndian.AppendUint64(b, md.Value.Integer)
		}
	}
	return b
}

// decoder is a bounds-checked cursor over a frame payload.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) u8() (byte, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrDecode, d.off)
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrDecode, d.off)
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrDecode, d.off)
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) id() (EventID, error) {
	p1, err := d.u64()
	if err != nil {
		return EventID{}, err
	}
	p2, err := d.u64()
	if err != nil {
		return EventID{}, err
	}
	return EventID{P1: p1, P2: p2}, nil
}

// DecodeEvent decodes one frame payload produced by AppendBinary.
func DecodeEvent(payload []byte) (*Event, error) {
	d := decoder{buf: payload}
	e := &Event{}
	var err error

	if e.UniqueID, err = d.id(); err != nil {
		return nil, err
	}
	if e.ParentID, err = d.id(); err != nil {
		return nil, err
	}
	if e.CorrelationID, err = d.id(); err != nil {
		return nil, err
	}
	ty, err := d.u32()
	if err != nil {
		return nil, err
	}
	e.Type = EventType(ty)
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %d", ErrDecode, ty)
	}
	if e.ProcessID, err = d.u32(); err != nil {
		return nil, err
	}
	if e.ThreadID, err = d.u32(); err != nil {
		return nil, err
	}
	if e.TimeEnabled, err = d.u64(); err != nil {
		return nil, err
	}
	if e.TimeRunning, err = d.u64(); err != nil {
		return nil, err
	}
	if e.Timestamp, err = d.u64(); err != nil {
		return nil, err
	}
	if e.Value, err = d.u64(); err != nil {
		return nil, err
	}
	if e.IP, err = d.u64(); err != nil {
		return nil, err
	}

	nFrames, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(nFrames) > d.remaining() {
		return nil, fmt.Errorf("%w: callstack count %d exceeds payload", ErrDecode, nFrames)
	}
	if nFrames > 0 {
		e.Callstack = make([]CallFrame, 0, nFrames)
	}
	for i := uint32(0); i < nFrames; i++ {
		tag, err := d.u8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case frameTagIP:
			ip, err := d.u64()
			if err != nil {
				return nil, err
			}
			e.Callstack = append(e.Callstack, IPFrame(ip))
		case frameTagLocation:
			var loc Location
			if loc.FunctionName, err = d.id(); err != nil {
				return nil, err
			}
			if loc.Filename, err = d.id(); err != nil {
				return nil, err
			}
			if loc.Line, err = d.u32(); err != nil {
				return nil, err
			}
			e.Callstack = append(e.Callstack, LocationFrame(loc))
		default:
			return nil, fmt.Errorf("%w: unknown frame tag %d", ErrDecode, tag)
		}
	}

	nMeta, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(nMeta) > d.remaining() {
		return nil, fmt.Errorf("%w: metadata count %d exceeds payload", ErrDecode, nMeta)
	}
	if nMeta > 0 {
		e.Metadata = make([]Metadata, 0, nMeta)
	}
	for i := uint32(0); i < nMeta; i++ {
		var md Metadata
		if md.Key, err = d.id(); err != nil {
			return nil, err
		}
		tag, err := d.u8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case metaTagInteger:
			if md.Value.Integer, err = d.u64(); err != nil {
				return nil, err
			}
		case metaTagString:
			md.Value.IsString = true
			if md.Value.StringID, err = d.id(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown metadata tag %d", ErrDecode, tag)
		}
		e.Metadata = append(e.Metadata, md)
	}

	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, d.remaining())
	}
	return e, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r. It returns io.EOF
// on a clean end of stream.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit", ErrDecode, size)
	}
	if cap(buf) < int(size) {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
