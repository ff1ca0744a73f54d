package protocol

import (
	"bytes"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultBufferFactor caps the assembly buffer at this multiple of the
// largest expected frame. Exceeding the cap means the stream is corrupt
// beyond recovery by scanning, so the buffer is dropped wholesale.
const DefaultBufferFactor = 4

// Assembler accumulates raw BLE notification chunks and cuts complete
// frame candidates out of them. One notification may carry a partial
// frame, several frames, or leading noise bytes; the assembler handles
// all of those without ever failing the stream.
//
// The buffer is owned by a single session. It must be Reset on
// disconnect so bytes from a dead connection are never glued onto bytes
// from the next one.
//
// Counters are atomic so diagnostics can read them from another
// goroutine while the owning loop keeps feeding.
type Assembler struct {
	profile   *Profile
	buf       []byte
	maxBuffer int
	logger    *logrus.Logger

	garbage   atomic.Uint64
	overflows atomic.Uint64
}

// NewAssembler creates an assembler for the given profile.
func NewAssembler(p *Profile, logger *logrus.Logger) *Assembler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Assembler{
		profile:   p,
		maxBuffer: DefaultBufferFactor * p.maxFrameSize(),
		logger:    logger,
	}
}

// Feed appends a notification chunk and returns every complete frame
// candidate now available, in stream order. Returned slices are copies;
// the caller may retain them. Candidates are not validated here - run
// them through Profile.Validate.
func (a *Assembler) Feed(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for {
		idx := bytes.Index(a.buf, a.profile.Header)
		if idx < 0 {
			// No header in the buffer. Drop everything except a tail
			// that could be the start of a header split across chunks.
			keep := headerTail(a.buf, a.profile.Header)
			if dropped := len(a.buf) - keep; dropped > 0 {
				a.garbage.Add(uint64(dropped))
				a.logger.WithField("bytes", dropped).Debug("Skipped noise bytes while scanning for frame header")
			}
			a.compact(len(a.buf) - keep)
			break
		}
		if idx > 0 {
			a.garbage.Add(uint64(idx))
			a.logger.WithField("bytes", idx).Debug("Skipped noise bytes before frame header")
			a.compact(idx)
		}

		size, ok := a.profile.frameSize(a.buf)
		if ok && size > a.maxBuffer {
			// The declared length would require buffering past the cap:
			// runaway corruption. Drop everything and start clean.
			a.overflows.Add(1)
			a.logger.WithFields(logrus.Fields{
				"declared": size,
				"max":      a.maxBuffer,
			}).Warn("Declared frame size exceeds buffer cap, resetting")
			a.buf = a.buf[:0]
			break
		}
		if !ok || len(a.buf) < size {
			// Partial frame: keep the marker position and wait for the
			// next chunk.
			break
		}

		candidate := make([]byte, size)
		copy(candidate, a.buf[:size])
		a.compact(size)
		frames = append(frames, candidate)
	}

	if len(a.buf) > a.maxBuffer {
		a.overflows.Add(1)
		a.logger.WithFields(logrus.Fields{
			"buffered": len(a.buf),
			"max":      a.maxBuffer,
		}).Warn("Assembly buffer overflow, resetting")
		a.buf = a.buf[:0]
	}

	return frames
}

// Reset discards all buffered bytes. Called on disconnect so the next
// session starts from a clean protocol state.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
}

// Buffered returns the number of bytes currently awaiting assembly.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// GarbageBytes returns the total count of noise bytes skipped.
func (a *Assembler) GarbageBytes() uint64 {
	return a.garbage.Load()
}

// Overflows returns how many times the buffer cap forced a full reset.
func (a *Assembler) Overflows() uint64 {
	return a.overflows.Load()
}

// compact drops n consumed bytes from the front of the buffer in place.
func (a *Assembler) compact(n int) {
	if n <= 0 {
		return
	}
	rest := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rest]
}

// headerTail returns the length of the longest proper header prefix
// that ends the buffer, i.e. bytes that may become a header once the
// next chunk arrives.
func headerTail(buf, header []byte) int {
	max := len(header) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for k := max; k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], header[:k]) {
			return k
		}
	}
	return 0
}
