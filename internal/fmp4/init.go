package fmp4

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	mcfmp4 "github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// AudioTrackID is the track carried by every fragment and init segment.
const AudioTrackID = 1

// BuildInitSegment marshals the ftyp+moov initialization segment for a single
// AAC track whose timescale is the sample rate.
func BuildInitSegment(config mpeg4audio.AudioSpecificConfig) ([]byte, error) {
	if config.SampleRate <= 0 || config.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d, channels %d", ErrInvalidADTS, config.SampleRate, config.ChannelCount)
	}
	init := mcfmp4.Init{
		Tracks: []*mcfmp4.InitTrack{{
			ID:        AudioTrackID,
			TimeScale: uint32(config.SampleRate),
			Codec:     &mp4.CodecMPEG4Audio{Config: config},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}
	return buf.Bytes(), nil
}
