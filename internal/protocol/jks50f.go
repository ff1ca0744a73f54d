package protocol

import "fmt"

// JKS50F frame layout, 69 bytes, validated against captured frames:
//
//	bytes 0-2  header FF 44 01
//	byte  3    finger flag, 0 = finger present
//	byte  4    SpO2 percent, 127 = no valid reading
//	byte  5    pulse rate bpm, 127 = no valid reading
//	bytes 6-7  perfusion index: (b6 & 0x7F) | ((b7 & 0x3F) << 7), in
//	           hundredths of a percent; raw 8191 = no valid reading
//	byte  68   checksum, (sum of bytes 0-67 + 1) & 0xFF
const (
	jks50fFrameLength = 69

	jks50fFingerOffset = 3
	jks50fSpO2Offset   = 4
	jks50fPulseOffset  = 5
	jks50fPIOffset     = 6

	// Sentinel the firmware emits for SpO2 and pulse while searching or
	// with no finger on the sensor. Never a real percentage.
	jks50fInvalidVital = 127

	// Raw two-byte PI value the firmware emits when PI is unknown
	// (decodes to the impossible 81.91%).
	jks50fInvalidPIRaw = 8191

	// The sensor cannot physically measure PI above this; larger values
	// are stale register garbage right after finger removal.
	jks50fMaxPI = 20.0

	jks50fMaxSpO2  = 100
	jks50fMaxPulse = 250
)

var jks50fProfile = &Profile{
	Manufacturer: "Guangdong Health Medical Technology Co., Ltd.",
	Model:        "JKS50F",
	Header:       []byte{0xFF, 0x44, 0x01},
	FrameLength:  jks50fFrameLength,
	Checksum:     SumPlusOne,
	ServiceUUID:  "0000ffe0-0000-1000-8000-00805f9b34fb",
	NotifyUUID:   "0000ffe1-0000-1000-8000-00805f9b34fb",
	SupportedOUIs: []string{
		// Nanjing Qinheng Microelectronics Co., Ltd. (IEEE OUI database)
		"DC045A",
		"5414A7",
		"E04E7A",
		"0C3D5E",
		"701988",
		"C817F5",
		"50547B",
		"5C5310",
	},
}

// JKS50F decodes frames from the JKS50F pulse oximeter.
type JKS50F struct{}

func init() {
	Register(JKS50F{})
}

// Profile returns the JKS50F protocol constants.
func (JKS50F) Profile() *Profile {
	return jks50fProfile
}

// Decode extracts the vitals from a validated JKS50F frame. Finger
// presence comes from the dedicated status byte, never inferred from
// SpO2: the device keeps reporting the last SpO2 for a moment after
// the finger is removed.
func (JKS50F) Decode(frame []byte) (*Reading, error) {
	if len(frame) < jks50fPIOffset+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}

	r := &Reading{
		FingerPresent: frame[jks50fFingerOffset] == 0,
	}

	if v := int(frame[jks50fSpO2Offset]); v != jks50fInvalidVital {
		if v > jks50fMaxSpO2 {
			return nil, fmt.Errorf("%w: spo2 %d%%", ErrOutOfRange, v)
		}
		r.SpO2 = intPtr(v)
	}

	if v := int(frame[jks50fPulseOffset]); v != jks50fInvalidVital {
		if v > jks50fMaxPulse {
			return nil, fmt.Errorf("%w: pulse %d bpm", ErrOutOfRange, v)
		}
		r.PulseRate = intPtr(v)
	}

	raw := int(frame[jks50fPIOffset]&0x7F) | int(frame[jks50fPIOffset+1]&0x3F)<<7
	if raw != jks50fInvalidPIRaw {
		if pi := float64(raw) / 100; pi <= jks50fMaxPI {
			r.PerfusionIndex = floatPtr(pi)
		}
	}

	return r, nil
}
