package protocol

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthPrefixedProfile is a synthetic layout for exercising the
// length-byte mode: one start marker, a payload length byte, the
// payload, and a modulo-256 sum checksum.
var lengthPrefixedProfile = &Profile{
	Manufacturer: "Test",
	Model:        "lp-test",
	Header:       []byte{0xAA},
	FrameLength:  0,
	Checksum:     Sum8,
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// lpFrame builds a valid length-prefixed test frame around the payload.
func lpFrame(payload ...byte) []byte {
	frame := append([]byte{0xAA, byte(len(payload))}, payload...)
	return append(frame, Sum8(frame))
}

func TestAssembler_SingleChunkSingleFrame(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	frame := lpFrame(1, 2, 3, 4, 5)
	frames := a.Feed(frame)

	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Zero(t, a.Buffered())
}

func TestAssembler_FrameSplitAcrossChunks(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	// Header and length arrive first, payload and checksum later.
	frame := lpFrame(1, 2, 3, 4, 5)
	require.Empty(t, a.Feed(frame[:2]))
	assert.Equal(t, 2, a.Buffered())

	frames := a.Feed(frame[2:])
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
}

func TestAssembler_ChunkBoundaryInvariance(t *testing.T) {
	// Two back-to-back frames must come out identical no matter where
	// the notification boundaries fall.
	frameA := lpFrame(0x10, 0x20, 0x30)
	frameB := lpFrame(0x40, 0x50, 0x60, 0x70)
	stream := append(append([]byte{}, frameA...), frameB...)

	for split := 0; split <= len(stream); split++ {
		a := NewAssembler(lengthPrefixedProfile, quietLogger())

		var frames [][]byte
		frames = append(frames, a.Feed(stream[:split])...)
		frames = append(frames, a.Feed(stream[split:])...)

		require.Lenf(t, frames, 2, "split at %d", split)
		assert.Equal(t, frameA, frames[0], "split at %d", split)
		assert.Equal(t, frameB, frames[1], "split at %d", split)
		assert.Zero(t, a.GarbageBytes(), "split at %d", split)
	}
}

func TestAssembler_ByteAtATime(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())
	frame := lpFrame(9, 8, 7)

	var frames [][]byte
	for _, b := range frame {
		frames = append(frames, a.Feed([]byte{b})...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
}

func TestAssembler_SkipsNoiseBeforeHeader(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	frame := lpFrame(1, 2)
	noisy := append([]byte{0x00, 0x13, 0x37}, frame...)
	frames := a.Feed(noisy)

	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Equal(t, uint64(3), a.GarbageBytes())
}

func TestAssembler_NoiseOnlyChunksAreCounted(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	assert.Empty(t, a.Feed([]byte{1, 2, 3, 4}))
	assert.Equal(t, uint64(4), a.GarbageBytes())
	assert.Zero(t, a.Buffered())
}

func TestAssembler_HeaderSplitAcrossChunks(t *testing.T) {
	// The JKS50F header is three bytes; a notification boundary in the
	// middle of it must not lose the frame.
	a := NewAssembler(jks50fProfile, quietLogger())
	frame := buildJKS50FFrame(0, 98, 72, 550)

	noise := []byte{0x01, 0x02}
	require.Empty(t, a.Feed(append(noise, frame[:2]...)))

	frames := a.Feed(frame[2:])
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Equal(t, uint64(2), a.GarbageBytes())
}

func TestAssembler_MultipleFramesInOneChunk(t *testing.T) {
	a := NewAssembler(jks50fProfile, quietLogger())

	frameA := buildJKS50FFrame(0, 97, 65, 420)
	frameB := buildJKS50FFrame(1, 127, 127, 8191)
	frames := a.Feed(append(append([]byte{}, frameA...), frameB...))

	require.Len(t, frames, 2)
	assert.Equal(t, frameA, frames[0])
	assert.Equal(t, frameB, frames[1])
}

func TestAssembler_LargePayloadLengthPrefixedFrame(t *testing.T) {
	// The buffer cap is sized from the largest declarable frame, so a
	// frame with a realistic payload is assembled, not treated as
	// runaway corruption.
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	frame := lpFrame(payload...)

	frames := a.Feed(frame)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Zero(t, a.Overflows())
}

func TestAssembler_MaximumPayloadFrame(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	payload := make([]byte, 255)
	frame := lpFrame(payload...)

	// Delivered in two chunks to force buffering of the full frame.
	require.Empty(t, a.Feed(frame[:100]))
	frames := a.Feed(frame[100:])

	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
	assert.Zero(t, a.Overflows())
	require.NoError(t, lengthPrefixedProfile.Validate(frames[0]))
}

func TestAssembler_OverflowForcesReset(t *testing.T) {
	a := NewAssembler(lengthPrefixedProfile, quietLogger())

	// Shrink the cap so a legitimate declared length exceeds it: with
	// the real cap this only happens under runaway corruption.
	a.maxBuffer = 8

	assert.Empty(t, a.Feed([]byte{0xAA, 0xFF, 0x01, 0x02}))
	assert.Equal(t, uint64(1), a.Overflows())
	assert.Zero(t, a.Buffered())

	// The assembler still works after the reset.
	frame := lpFrame(1, 2, 3)
	frames := a.Feed(frame)
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])
}

func TestAssembler_ResetDiscardsPartialFrame(t *testing.T) {
	a := NewAssembler(jks50fProfile, quietLogger())
	frame := buildJKS50FFrame(0, 99, 80, 300)

	require.Empty(t, a.Feed(frame[:40]))
	require.NotZero(t, a.Buffered())

	a.Reset()
	assert.Zero(t, a.Buffered())

	// Bytes from after the reset must not combine with the discarded
	// prefix: the tail alone is not a frame.
	assert.Empty(t, a.Feed(frame[40:]))
}
