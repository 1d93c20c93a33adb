package protocol

// Chip identifies an ESP chip variant supported by the bootloader protocol.
type Chip int

const (
	ChipUnknown Chip = iota
	ChipESP8266
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
)

// Magic words read from ChipMagicReg, one set per chip variant.
// The C3 has one value per silicon revision.
var chipMagics = map[uint32]Chip{
	0xFFF0C101: ChipESP8266,
	0x00F01D83: ChipESP32,
	0x000007C6: ChipESP32S2,
	0x00000009: ChipESP32S3,
	0x6921506F: ChipESP32C3,
	0x1B31506F: ChipESP32C3,
	0x4881606F: ChipESP32C3,
	0x4361606F: ChipESP32C3,
}

// ChipFromMagic maps the magic register value to a chip variant.
func ChipFromMagic(magic uint32) Chip {
	if c, ok := chipMagics[magic]; ok {
		return c
	}
	return ChipUnknown
}

func (c Chip) String() string {
	switch c {
	case ChipESP8266:
		return "ESP8266"
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	default:
		return "unknown"
	}
}

// Default baud rate for flashing, matching the rate the recovery
// manifest ships firmware for.
const DefaultBaudRate = 921600

// Default flash address for application images.
const AppAddress = 0x0
