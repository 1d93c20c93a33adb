package protocol

import (
	"encoding/binary"
	"fmt"
)

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// FlashBeginData creates the data payload for FLASH_BEGIN command.
func FlashBeginData(size, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// FlashDataData creates the data payload for FLASH_DATA command.
// Short tail blocks are padded to blockSize with 0xFF (erased flash).
func FlashDataData(data []byte, seq uint32, blockSize int) []byte {
	if len(data) < blockSize {
		padded := make([]byte, blockSize)
		copy(padded, data)
		for i := len(data); i < blockSize; i++ {
			padded[i] = 0xFF
		}
		data = padded
	}

	// Header: size (4) + seq (4) + reserved (8)
	payload := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	binary.LittleEndian.PutUint32(payload[8:12], 0)
	binary.LittleEndian.PutUint32(payload[12:16], 0)
	copy(payload[16:], data)

	return payload
}

// FlashEndData creates the data payload for FLASH_END command.
func FlashEndData(reboot bool) []byte {
	data := make([]byte, 4)
	if reboot {
		binary.LittleEndian.PutUint32(data, 0) // 0 = reboot
	} else {
		binary.LittleEndian.PutUint32(data, 1) // 1 = stay in bootloader
	}
	return data
}

// FlashMD5Data creates the data payload for SPI_FLASH_MD5 command.
func FlashMD5Data(address, size uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], address)
	binary.LittleEndian.PutUint32(data[4:8], size)
	binary.LittleEndian.PutUint32(data[8:12], 0)
	binary.LittleEndian.PutUint32(data[12:16], 0)
	return data
}

// SpiAttachData creates the data payload for SPI_ATTACH.
func SpiAttachData() []byte {
	// All zeros means use the default SPI flash configuration
	return make([]byte, 8)
}

// SpiSetParamsData creates the data payload for SPI_SET_PARAMS, telling
// the ROM the geometry of the attached flash chip.
func SpiSetParamsData(totalSize uint32) []byte {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:4], 0) // id
	binary.LittleEndian.PutUint32(data[4:8], totalSize)
	binary.LittleEndian.PutUint32(data[8:12], 0x10000) // block size
	binary.LittleEndian.PutUint32(data[12:16], FlashSectorSize)
	binary.LittleEndian.PutUint32(data[16:20], FlashPageSize)
	binary.LittleEndian.PutUint32(data[20:24], 0xFFFF) // status mask
	return data
}

// ChangeBaudData creates the data payload for CHANGE_BAUD.
// oldBaud is 0 when talking to the ROM loader.
func ChangeBaudData(newBaud, oldBaud uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], newBaud)
	binary.LittleEndian.PutUint32(data[4:8], oldBaud)
	return data
}

// ReadRegData creates the data payload for READ_REG.
func ReadRegData(addr uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	return data
}

// EraseRegionData creates the data payload for ERASE_REGION.
func EraseRegionData(offset, size uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], size)
	return data
}

// NumBlocks returns how many blockSize blocks cover size bytes.
func NumBlocks(size, blockSize int) int {
	return (size + blockSize - 1) / blockSize
}

// SecurityInfo is the parsed payload of a GET_SECURITY_INFO response.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt byte
	KeyPurposes   [7]byte
	ChipID        uint32
	EcoVersion    uint32
}

// ParseSecurityInfo parses the GET_SECURITY_INFO response payload.
// Chips newer than the original ESP32 append chip id and eco version.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("security info too short: %d bytes", len(data))
	}

	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(data[0:4]),
		FlashCryptCnt: data[4],
	}
	copy(info.KeyPurposes[:], data[5:12])

	if len(data) >= 20 {
		info.ChipID = binary.LittleEndian.Uint32(data[12:16])
		info.EcoVersion = binary.LittleEndian.Uint32(data[16:20])
	}

	return info, nil
}
