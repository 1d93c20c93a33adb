package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameCorrupt reports a packet that arrived damaged: truncated
// header, wrong direction byte, impossible length or checksum mismatch.
var ErrFrameCorrupt = errors.New("corrupt frame")

// Request represents an ESP32 bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP32 bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{
		Command: cmd,
		Data:    data,
	}
	r.Checksum = uint32(Checksum(data))
	return r
}

// Checksum computes the payload checksum: XOR of all data bytes,
// seeded with 0xEF.
func Checksum(data []byte) byte {
	var sum byte = 0xEF
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// hasDataChecksum reports whether the ROM validates the header checksum
// for this command. Only the block-data commands carry a meaningful one.
func hasDataChecksum(cmd byte) bool {
	switch cmd {
	case CmdFlashData, CmdMemData, CmdFlashDeflData:
		return true
	}
	return false
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// Packet format:
	// 0: direction (0x00 = request)
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian, only for data commands)
	// 8+: data

	size := uint16(len(r.Data))
	packet := make([]byte, 8+len(r.Data))

	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], size)
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)

	return packet
}

// DecodeRequest parses a request from raw bytes (after SLIP decoding).
// For block-data commands the header checksum is validated against the
// payload; a mismatch yields ErrFrameCorrupt.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: request too short: %d bytes", ErrFrameCorrupt, len(data))
	}
	if data[0] != DirRequest {
		return nil, fmt.Errorf("%w: invalid direction byte: 0x%02X", ErrFrameCorrupt, data[0])
	}

	dataSize := binary.LittleEndian.Uint16(data[2:4])
	if int(dataSize) != len(data)-8 {
		return nil, fmt.Errorf("%w: data size mismatch: header says %d, have %d", ErrFrameCorrupt, dataSize, len(data)-8)
	}

	r := &Request{
		Command:  data[1],
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
		Data:     data[8:],
	}

	if hasDataChecksum(r.Command) {
		if byte(r.Checksum) != Checksum(r.Data) {
			return nil, fmt.Errorf("%w: checksum mismatch: header 0x%02X, computed 0x%02X",
				ErrFrameCorrupt, byte(r.Checksum), Checksum(r.Data))
		}
	}

	return r, nil
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	// Minimum response is 8 bytes header + 2 bytes status
	if len(data) < 10 {
		return nil, fmt.Errorf("%w: response too short: %d bytes", ErrFrameCorrupt, len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("%w: invalid direction byte: 0x%02X", ErrFrameCorrupt, data[0])
	}

	resp := &Response{
		Command: data[1],
	}

	dataSize := binary.LittleEndian.Uint16(data[2:4])
	resp.Value = binary.LittleEndian.Uint32(data[4:8])

	// Response data follows header
	if int(dataSize) > len(data)-8 {
		return nil, fmt.Errorf("%w: data size mismatch: expected %d, have %d", ErrFrameCorrupt, dataSize, len(data)-8)
	}

	if dataSize >= 2 {
		// Last two bytes are status and error
		resp.Data = data[8 : 8+dataSize-2]
		resp.Status = data[8+dataSize-2]
		resp.Error = data[8+dataSize-1]
	} else if dataSize > 0 {
		resp.Data = data[8 : 8+dataSize]
	}

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}
