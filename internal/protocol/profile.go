// Package protocol implements the vendor byte protocols spoken by
// supported pulse oximeters: frame reassembly from BLE notification
// chunks, frame validation, and decoding into structured readings.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Frame validation errors. A rejected candidate is counted and
// skipped; assembly continues with the next bytes in the stream.
var (
	ErrFrameTooShort     = errors.New("frame too short")
	ErrLengthMismatch    = errors.New("frame length field mismatch")
	ErrChecksumMismatch  = errors.New("frame checksum mismatch")
	ErrHeaderMismatch    = errors.New("frame header mismatch")
	ErrOutOfRange        = errors.New("decoded value out of range")
	ErrUnsupportedDevice = errors.New("unsupported device model")
)

// ChecksumFunc computes the trailing checksum byte over the frame bytes
// that precede it.
type ChecksumFunc func(data []byte) byte

// SumPlusOne is the checksum used by the JKS50F family:
// (sum of all bytes except the checksum + 1) & 0xFF.
func SumPlusOne(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum + 1
}

// Sum8 is a plain modulo-256 sum, used by length-prefixed vendor layouts.
func Sum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Profile holds the per-model protocol constants. Values are taken from
// captured frames of real devices, not guessed; see the model files.
//
// Two frame layouts are supported:
//   - fixed: FrameLength > 0, the frame is exactly FrameLength bytes
//     (header ... payload ... checksum)
//   - length-prefixed: FrameLength == 0, a single length byte follows
//     the header and declares the payload size, then checksum
type Profile struct {
	Manufacturer string
	Model        string

	Header      []byte
	FrameLength int
	Checksum    ChecksumFunc

	ServiceUUID string
	NotifyUUID  string

	// SupportedOUIs lists MAC address vendor prefixes (first 6 hex
	// digits) used to recognize the device during discovery.
	SupportedOUIs []string
}

// minFrameSize is the smallest structurally meaningful frame for this
// profile: header plus checksum, plus the length byte in prefixed mode.
func (p *Profile) minFrameSize() int {
	if p.FrameLength > 0 {
		return p.FrameLength
	}
	return len(p.Header) + 2 // length byte + checksum, empty payload
}

// maxFrameSize is the largest frame this profile can declare: the
// fixed length, or a full 255-byte payload in prefixed mode.
func (p *Profile) maxFrameSize() int {
	if p.FrameLength > 0 {
		return p.FrameLength
	}
	return len(p.Header) + 1 + 255 + 1
}

// frameSize reports the total frame size declared by buf, which must
// start with the profile header. ok is false when not enough bytes are
// buffered yet to know the size.
func (p *Profile) frameSize(buf []byte) (size int, ok bool) {
	if p.FrameLength > 0 {
		return p.FrameLength, true
	}
	if len(buf) < len(p.Header)+1 {
		return 0, false
	}
	payload := int(buf[len(p.Header)])
	return len(p.Header) + 1 + payload + 1, true
}

// Validate checks a frame candidate: minimum length, header, declared
// length against actual length, and checksum, in that order. The first
// failing check determines the returned error.
func (p *Profile) Validate(candidate []byte) error {
	if len(candidate) < p.minFrameSize() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(candidate))
	}
	if !bytes.HasPrefix(candidate, p.Header) {
		return ErrHeaderMismatch
	}
	if size, ok := p.frameSize(candidate); !ok || size != len(candidate) {
		return fmt.Errorf("%w: declared %d bytes, have %d", ErrLengthMismatch, size, len(candidate))
	}
	sum := p.Checksum(candidate[:len(candidate)-1])
	if sum != candidate[len(candidate)-1] {
		return fmt.Errorf("%w: computed 0x%02X, frame carries 0x%02X", ErrChecksumMismatch, sum, candidate[len(candidate)-1])
	}
	return nil
}
