package models

import (
	"fmt"
	"sync"
	"time"
)

// ChunkState is the production state of one chunk window.
type ChunkState string

const (
	// ChunkStatePending indicates the chunk has not been picked up yet, or was reset.
	ChunkStatePending ChunkState = "pending"
	// ChunkStateMixing indicates source audio is being summed into the output buffer.
	ChunkStateMixing ChunkState = "mixing"
	// ChunkStateEncoding indicates the mixed PCM is with the AAC encoder or a sink.
	ChunkStateEncoding ChunkState = "encoding"
	// ChunkStateShipping indicates the fragment is being uploaded.
	ChunkStateShipping ChunkState = "shipping"
	// ChunkStateDone indicates the chunk's objects are published.
	ChunkStateDone ChunkState = "done"
)

// IsDone reports whether the state is terminal.
func (s ChunkState) IsDone() bool {
	return s == ChunkStateDone
}

// IsInFlight reports whether a worker holds the chunk.
func (s ChunkState) IsInFlight() bool {
	return s == ChunkStateMixing || s == ChunkStateEncoding || s == ChunkStateShipping
}

// IsValid reports whether s is a known state.
func (s ChunkState) IsValid() bool {
	switch s {
	case ChunkStatePending, ChunkStateMixing, ChunkStateEncoding, ChunkStateShipping, ChunkStateDone:
		return true
	}
	return false
}

// next maps each state to the only state a worker may advance it to.
var next = map[ChunkState]ChunkState{
	ChunkStatePending:  ChunkStateMixing,
	ChunkStateMixing:   ChunkStateEncoding,
	ChunkStateEncoding: ChunkStateShipping,
	ChunkStateShipping: ChunkStateDone,
}

// ValidateTransition is the single authority on chunk lifecycle moves.
// A worker may advance one step, or re-stamp an unfinished state as a heartbeat.
// Returning to pending happens only through Reset.
func ValidateTransition(from, to ChunkState) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if from == to && !from.IsDone() {
		return nil
	}
	if next[from] == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ComputeFromSeconds floors epochSeconds to the start of its chunk window.
func ComputeFromSeconds(epochSeconds, chunkSeconds int64) int64 {
	from := (epochSeconds / chunkSeconds) * chunkSeconds
	if epochSeconds < 0 && epochSeconds%chunkSeconds != 0 {
		from -= chunkSeconds
	}
	return from
}

// Chunk is one fixed-length window of a stream's timeline and its production state.
// The window fields are immutable; state is read-modified-written under the chunk's lock.
type Chunk struct {
	StreamKey     string
	SequenceIndex int64
	FromSeconds   int64
	Seconds       int64

	mu           sync.Mutex
	state        ChunkState
	lastUpdated  time.Time
	producedKeys []string
}

// NewChunk creates a pending chunk for the window starting at fromSeconds.
func NewChunk(streamKey string, fromSeconds, chunkSeconds int64, now time.Time) (*Chunk, error) {
	if streamKey == "" {
		return nil, ErrStreamKeyRequired
	}
	if chunkSeconds <= 0 {
		return nil, FieldError{Field: "chunk_seconds", Message: "must be positive"}
	}
	if fromSeconds%chunkSeconds != 0 {
		return nil, fmt.Errorf("%w: %d %% %d", ErrMisalignedChunk, fromSeconds, chunkSeconds)
	}
	return &Chunk{
		StreamKey:     streamKey,
		SequenceIndex: fromSeconds / chunkSeconds,
		FromSeconds:   fromSeconds,
		Seconds:       chunkSeconds,
		state:         ChunkStatePending,
		lastUpdated:   now,
	}, nil
}

// From returns the window start.
func (c *Chunk) From() time.Time {
	return time.Unix(c.FromSeconds, 0).UTC()
}

// To returns the exclusive window end.
func (c *Chunk) To() time.Time {
	return time.Unix(c.FromSeconds+c.Seconds, 0).UTC()
}

// State returns the current state.
func (c *Chunk) State() ChunkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastUpdated returns when the state was last stamped.
func (c *Chunk) LastUpdated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// ProducedKeys returns a copy of the object keys published for this chunk.
func (c *Chunk) ProducedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.producedKeys...)
}

// SetState moves the chunk to s and stamps lastUpdated.
func (c *Chunk) SetState(s ChunkState, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ValidateTransition(c.state, s); err != nil {
		return fmt.Errorf("chunk %s/%d: %w", c.StreamKey, c.SequenceIndex, err)
	}
	c.state = s
	c.lastUpdated = now
	return nil
}

// AddProducedKey records an object key published for this chunk.
func (c *Chunk) AddProducedKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producedKeys = append(c.producedKeys, key)
}

// Reset returns the chunk to pending and forgets its produced keys.
func (c *Chunk) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChunkStatePending
	c.lastUpdated = now
	c.producedKeys = nil
}

// ResetIfStalled resets a chunk that is not done and has not been stamped within
// timeout. It returns the state the chunk was in and whether it was reset.
// Pending chunks are re-stamped silently; done chunks are never touched.
func (c *Chunk) ResetIfStalled(now time.Time, timeout time.Duration) (ChunkState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	if prev.IsDone() || now.Sub(c.lastUpdated) <= timeout {
		return prev, false
	}
	c.state = ChunkStatePending
	c.lastUpdated = now
	c.producedKeys = nil
	return prev, prev != ChunkStatePending
}

// Restore marks the chunk done with keys recovered from a published manifest.
// It bypasses ValidateTransition because the work already happened in an earlier process.
func (c *Chunk) Restore(keys []string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChunkStateDone
	c.lastUpdated = now
	c.producedKeys = append([]string(nil), keys...)
}

// ChunkSnapshot is a point-in-time copy of a chunk for readers.
type ChunkSnapshot struct {
	StreamKey     string     `json:"stream_key"`
	SequenceIndex int64      `json:"sequence_index"`
	From          time.Time  `json:"from"`
	To            time.Time  `json:"to"`
	State         ChunkState `json:"state"`
	LastUpdated   time.Time  `json:"last_updated"`
	ProducedKeys  []string   `json:"produced_keys,omitempty"`
}

// Snapshot copies the chunk under its lock.
func (c *Chunk) Snapshot() ChunkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChunkSnapshot{
		StreamKey:     c.StreamKey,
		SequenceIndex: c.SequenceIndex,
		From:          c.From(),
		To:            c.To(),
		State:         c.state,
		LastUpdated:   c.lastUpdated,
		ProducedKeys:  append([]string(nil), c.producedKeys...),
	}
}
