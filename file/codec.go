package file

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/toxfile/limits"
)

// Payload sizes of the fixed parts of each file packet.
const (
	fileRequestHeaderSize = FileIDLength + 4 + 8 + 2
	fileControlSize       = FileIDLength + 1 + 8
	fileChunkRequestSize  = FileIDLength + 8 + 4
	fileDataHeaderSize    = FileIDLength + 8
	fileDataAckSize       = FileIDLength + 8
)

type fileRequest struct {
	fileID FileID
	kind   Kind
	size   uint64
	name   string
}

// serializeFileRequest creates a file request packet payload.
func serializeFileRequest(req fileRequest) []byte {
	// Format: [file_id (32 bytes)][kind (4 bytes)][file_size (8 bytes)][name_len (2 bytes)][file_name]
	nameBytes := []byte(req.name)
	data := make([]byte, fileRequestHeaderSize+len(nameBytes))

	copy(data[0:32], req.fileID[:])
	binary.BigEndian.PutUint32(data[32:36], uint32(req.kind))
	binary.BigEndian.PutUint64(data[36:44], req.size)
	binary.BigEndian.PutUint16(data[44:46], uint16(len(nameBytes)))
	copy(data[46:], nameBytes)

	return data
}

// deserializeFileRequest parses a file request packet payload.
func deserializeFileRequest(data []byte) (fileRequest, error) {
	if len(data) < fileRequestHeaderSize {
		return fileRequest{}, errors.New("file request packet too short")
	}

	var req fileRequest
	copy(req.fileID[:], data[0:32])
	req.kind = Kind(binary.BigEndian.Uint32(data[32:36]))
	req.size = binary.BigEndian.Uint64(data[36:44])
	nameLen := int(binary.BigEndian.Uint16(data[44:46]))

	if nameLen > limits.MaxFileNameLength {
		return fileRequest{}, limits.ErrFileNameTooLong
	}
	if len(data) < fileRequestHeaderSize+nameLen {
		return fileRequest{}, errors.New("file request packet truncated")
	}
	req.name = string(data[46 : 46+nameLen])

	return req, nil
}

// serializeFileControl creates a file control packet payload. position
// carries the sender's committed byte count for resume signals.
func serializeFileControl(fileID FileID, control Control, position uint64) []byte {
	// Format: [file_id (32 bytes)][control (1 byte)][position (8 bytes)]
	data := make([]byte, fileControlSize)
	copy(data[0:32], fileID[:])
	data[32] = byte(control)
	binary.BigEndian.PutUint64(data[33:41], position)
	return data
}

// deserializeFileControl parses a file control packet payload.
func deserializeFileControl(data []byte) (FileID, Control, uint64, error) {
	if len(data) < fileControlSize {
		return FileID{}, 0, 0, errors.New("file control packet too short")
	}

	var fileID FileID
	copy(fileID[:], data[0:32])
	return fileID, Control(data[32]), binary.BigEndian.Uint64(data[33:41]), nil
}

// serializeFileChunkRequest creates a chunk request packet payload.
func serializeFileChunkRequest(fileID FileID, position uint64, length uint32) []byte {
	// Format: [file_id (32 bytes)][position (8 bytes)][length (4 bytes)]
	data := make([]byte, fileChunkRequestSize)
	copy(data[0:32], fileID[:])
	binary.BigEndian.PutUint64(data[32:40], position)
	binary.BigEndian.PutUint32(data[40:44], length)
	return data
}

// deserializeFileChunkRequest parses a chunk request packet payload.
func deserializeFileChunkRequest(data []byte) (FileID, uint64, uint32, error) {
	if len(data) < fileChunkRequestSize {
		return FileID{}, 0, 0, errors.New("file chunk request packet too short")
	}

	var fileID FileID
	copy(fileID[:], data[0:32])
	return fileID, binary.BigEndian.Uint64(data[32:40]), binary.BigEndian.Uint32(data[40:44]), nil
}

// serializeFileData creates a file data packet payload.
func serializeFileData(fileID FileID, position uint64, chunk []byte) []byte {
	// Format: [file_id (32 bytes)][position (8 bytes)][chunk_data]
	data := make([]byte, fileDataHeaderSize+len(chunk))
	copy(data[0:32], fileID[:])
	binary.BigEndian.PutUint64(data[32:40], position)
	copy(data[40:], chunk)
	return data
}

// deserializeFileData parses a file data packet payload.
func deserializeFileData(data []byte) (FileID, uint64, []byte, error) {
	if len(data) < fileDataHeaderSize {
		return FileID{}, 0, nil, errors.New("file data packet too short")
	}
	if err := limits.ValidateChunkLength(len(data) - fileDataHeaderSize); err != nil {
		return FileID{}, 0, nil, err
	}

	var fileID FileID
	copy(fileID[:], data[0:32])
	position := binary.BigEndian.Uint64(data[32:40])
	chunk := make([]byte, len(data)-fileDataHeaderSize)
	copy(chunk, data[40:])

	return fileID, position, chunk, nil
}

// serializeFileDataAck creates a file data acknowledgment packet payload.
func serializeFileDataAck(fileID FileID, bytesReceived uint64) []byte {
	// Format: [file_id (32 bytes)][bytes_received (8 bytes)]
	data := make([]byte, fileDataAckSize)
	copy(data[0:32], fileID[:])
	binary.BigEndian.PutUint64(data[32:40], bytesReceived)
	return data
}

// deserializeFileDataAck parses a file data acknowledgment packet payload.
func deserializeFileDataAck(data []byte) (FileID, uint64, error) {
	if len(data) < fileDataAckSize {
		return FileID{}, 0, errors.New("file data ack packet too short")
	}

	var fileID FileID
	copy(fileID[:], data[0:32])
	return fileID, binary.BigEndian.Uint64(data[32:40]), nil
}
