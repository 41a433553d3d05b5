package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the type of a packet.
type PacketType byte

const (
	// File transfer packet types
	PacketFileRequest PacketType = iota + 16
	PacketFileControl
	PacketFileData
	PacketFileDataAck
	PacketFileChunkRequest
)

func (p PacketType) String() string {
	switch p {
	case PacketFileRequest:
		return "file_request"
	case PacketFileControl:
		return "file_control"
	case PacketFileData:
		return "file_data"
	case PacketFileDataAck:
		return "file_data_ack"
	case PacketFileChunkRequest:
		return "file_chunk_request"
	default:
		return fmt.Sprintf("packet(%d)", byte(p))
	}
}

// Packet represents a protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
