package models

import "time"

// SegmentAudioState tracks whether a fabricated segment's PCM can be mixed.
type SegmentAudioState string

const (
	// SegmentAudioStatePlanned indicates the segment exists but has no audio yet.
	SegmentAudioStatePlanned SegmentAudioState = "planned"
	// SegmentAudioStateReady indicates the segment's WAV object is complete.
	SegmentAudioStateReady SegmentAudioState = "ready"
)

// SegmentAudio describes the PCM output of one fabricated segment.
// The samples live in the object store as a WAV file at WaveformKey.
type SegmentAudio struct {
	Row

	StreamKey string    `gorm:"not null;size:100;index:idx_segment_window,priority:1" json:"stream_key"`
	BeginAt   time.Time `gorm:"not null;index:idx_segment_window,priority:2" json:"begin_at"`
	EndAt     time.Time `gorm:"not null;index:idx_segment_window,priority:3" json:"end_at"`

	// FrameRate and Channels are declared by the fabricator; zero means unspecified.
	FrameRate int `gorm:"not null;default:0" json:"frame_rate"`
	Channels  int `gorm:"not null;default:0" json:"channels"`

	// PreRollMicros is lead-in audio before BeginAt contained in the waveform.
	PreRollMicros int64 `gorm:"not null;default:0" json:"pre_roll_micros"`

	WaveformKey string            `gorm:"size:512" json:"waveform_key"`
	State       SegmentAudioState `gorm:"not null;default:'planned';size:20" json:"state"`
}

// TableName returns the table name for GORM.
func (SegmentAudio) TableName() string {
	return "segment_audio"
}

// IsReady reports whether the segment's audio can be loaded.
func (s *SegmentAudio) IsReady() bool {
	return s.State == SegmentAudioStateReady && s.WaveformKey != ""
}

// Validate checks the row before it is persisted.
func (s *SegmentAudio) Validate() error {
	if s.StreamKey == "" {
		return ErrStreamKeyRequired
	}
	if !s.EndAt.After(s.BeginAt) {
		return FieldError{Field: "end_at", Message: "must be after begin_at"}
	}
	return nil
}
