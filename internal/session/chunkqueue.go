package session

import "sync/atomic"

// ChunkQueue carries raw notification chunks from the BLE callback to
// the coordinator loop. It is a bounded buffer with overwrite-oldest
// semantics: the producer (a stack callback that must never block)
// always succeeds, and under sustained overload the freshest data wins.
// An oximeter streams continuous state, so dropping the oldest chunk
// loses nothing a later frame will not restate.
//
// Push copies the chunk: BLE callbacks reuse their byte buffers after
// returning.
type ChunkQueue struct {
	ch      chan []byte
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewChunkQueue creates a queue with the given capacity.
func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		panic("session: chunk queue capacity must be > 0")
	}
	return &ChunkQueue{ch: make(chan []byte, capacity)}
}

// Push enqueues a copy of the chunk, discarding the oldest entry when
// full. Never blocks indefinitely.
func (q *ChunkQueue) Push(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	q.pushed.Add(1)
	select {
	case q.ch <- buf:
	default:
		select {
		case <-q.ch: // drop oldest
			q.dropped.Add(1)
		default:
		}
		q.ch <- buf
	}
}

// TryPop removes the oldest chunk without blocking.
func (q *ChunkQueue) TryPop() ([]byte, bool) {
	select {
	case data := <-q.ch:
		return data, true
	default:
		return nil, false
	}
}

// Clear drains all pending chunks. Used on disconnect so stale bytes
// never leak into the next session.
func (q *ChunkQueue) Clear() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Len returns the number of buffered chunks.
func (q *ChunkQueue) Len() int {
	return len(q.ch)
}

// Pushed returns the total number of chunks ever enqueued.
func (q *ChunkQueue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns how many chunks were overwritten before consumption.
func (q *ChunkQueue) Dropped() uint64 {
	return q.dropped.Load()
}
