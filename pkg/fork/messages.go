// Package fork runs the multi-process mode: the parent starts worker
// processes, hands them ranges of event indices over datagram sockets,
// watches their liveness through pipes and reaps them when they exit.
package fork

import (
	"encoding/binary"
	"fmt"
)

// MessageForParent is the request a worker sends when it needs more events.
// It carries no data.
type MessageForParent struct{}

// SizeForBuffer is the exact wire length of the request
func (MessageForParent) SizeForBuffer() int { return 1 }

// MarshalBinary encodes the request
func (m MessageForParent) MarshalBinary() ([]byte, error) {
	return make([]byte, m.SizeForBuffer()), nil
}

// MessageForSource assigns the global event indices
// [StartIndex, StartIndex+NIndices) to a worker.
type MessageForSource struct {
	StartIndex uint64
	NIndices   uint64
}

// SizeForBuffer is the exact wire length of the reply
func (MessageForSource) SizeForBuffer() int { return 16 }

// MarshalBinary encodes the reply as two little-endian uint64 values
func (m MessageForSource) MarshalBinary() ([]byte, error) {
	buf := make([]byte, m.SizeForBuffer())
	binary.LittleEndian.PutUint64(buf[0:8], m.StartIndex)
	binary.LittleEndian.PutUint64(buf[8:16], m.NIndices)
	return buf, nil
}

// UnmarshalBinary decodes a reply
func (m *MessageForSource) UnmarshalBinary(data []byte) error {
	if len(data) != m.SizeForBuffer() {
		return fmt.Errorf("message for source must be %d bytes, got %d", m.SizeForBuffer(), len(data))
	}
	m.StartIndex = binary.LittleEndian.Uint64(data[0:8])
	m.NIndices = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// next returns the assignment following m
func (m MessageForSource) next() MessageForSource {
	return MessageForSource{StartIndex: m.StartIndex + m.NIndices, NIndices: m.NIndices}
}
