package audio

import (
	"context"
	"time"
)

// SourceAudio is the PCM output of one fabricated segment, owned by the
// segment audio collaborator. PCM is populated only when Ready.
type SourceAudio struct {
	ID        string
	StreamKey string
	BeginAt   time.Time
	EndAt     time.Time
	FrameRate int
	Channels  int
	// PreRoll is lead-in audio at the head of PCM that plays before BeginAt.
	PreRoll time.Duration
	// FrameCount is the declared length of the waveform; zero means len(PCM.Samples).
	FrameCount int64
	Ready      bool
	PCM        Buffer
}

// Frames returns the declared frame count.
func (s SourceAudio) Frames() int64 {
	if s.FrameCount > 0 {
		return s.FrameCount
	}
	return int64(s.PCM.Frames())
}

// Intersects reports whether the source overlaps [from, to).
func (s SourceAudio) Intersects(from, to time.Time) bool {
	return s.BeginAt.Before(to) && s.EndAt.After(from)
}

// SegmentAudioSource provides the source audio intersecting a stream window.
type SegmentAudioSource interface {
	GetAllIntersecting(ctx context.Context, streamKey string, from, to time.Time) ([]SourceAudio, error)
}
