package cru

// FirmwareFeatures records which control registers the loaded firmware
// implements.  Capability is data, not type identity: the bar checks these
// flags before touching a register and fails NotSupportedByFirmware when a
// flag is clear, instead of attempting the access.
type FirmwareFeatures struct {
	// Standalone marks a stripped standalone build, which advertises its
	// feature set in the low bits of the features word.  Integrated builds
	// implement everything.
	Standalone bool

	DataSelection bool
	Temperature   bool
	Serial        bool
	FirmwareInfo  bool
	ChipID        bool
}

// Standalone builds tag the upper half of the features word with a safeword;
// a set low bit then means the corresponding register was stripped.
const featuresSafeword = 0x5afe

// ParseFirmwareFeatures decodes the features register.
func ParseFirmwareFeatures(reg uint32) FirmwareFeatures {
	if reg>>16 != featuresSafeword {
		return FirmwareFeatures{
			DataSelection: true,
			Temperature:   true,
			Serial:        true,
			FirmwareInfo:  true,
			ChipID:        true,
		}
	}
	bitClear := func(n uint) bool { return reg&(1<<n) == 0 }
	return FirmwareFeatures{
		Standalone:    true,
		DataSelection: bitClear(0),
		Temperature:   bitClear(1),
		Serial:        bitClear(2),
		FirmwareInfo:  bitClear(3),
		ChipID:        bitClear(4),
	}
}
