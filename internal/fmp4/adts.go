package fmp4

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ErrInvalidADTS is returned when an AAC stream does not parse as ADTS.
var ErrInvalidADTS = errors.New("invalid ADTS stream")

// adtsSampleRates maps the 4-bit sampling_frequency_index.
var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// adtsHeader is the subset of the ADTS fixed and variable header we need.
type adtsHeader struct {
	headerSize   int
	frameLength  int
	profile      int
	sampleRate   int
	channelCount int
}

func parseADTSHeader(data []byte) (adtsHeader, error) {
	if len(data) < 7 {
		return adtsHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidADTS, len(data))
	}
	if data[0] != 0xFF || data[1]&0xF6 != 0xF0 {
		return adtsHeader{}, fmt.Errorf("%w: bad sync word", ErrInvalidADTS)
	}

	h := adtsHeader{headerSize: 7}
	if data[1]&0x01 == 0 {
		h.headerSize = 9 // CRC present
	}
	h.profile = int((data[2]>>6)&0x03) + 1
	rateIndex := (data[2] >> 2) & 0x0F
	h.sampleRate = adtsSampleRates[rateIndex]
	if h.sampleRate == 0 {
		return adtsHeader{}, fmt.Errorf("%w: reserved sample rate index %d", ErrInvalidADTS, rateIndex)
	}
	h.channelCount = int((data[2]&0x01)<<2 | (data[3]>>6)&0x03)
	h.frameLength = int(data[3]&0x03)<<11 | int(data[4])<<3 | int(data[5]>>5)
	if h.frameLength <= h.headerSize {
		return adtsHeader{}, fmt.Errorf("%w: frame length %d", ErrInvalidADTS, h.frameLength)
	}
	if data[6]&0x03 != 0 {
		return adtsHeader{}, fmt.Errorf("%w: multiple raw data blocks per frame", ErrInvalidADTS)
	}
	return h, nil
}

// SplitADTS strips the ADTS headers from an AAC stream and returns the raw
// access units together with the AudioSpecificConfig of the first frame.
func SplitADTS(data []byte) ([][]byte, *mpeg4audio.AudioSpecificConfig, error) {
	var (
		aus    [][]byte
		config *mpeg4audio.AudioSpecificConfig
	)
	for pos := 0; pos < len(data); {
		h, err := parseADTSHeader(data[pos:])
		if err != nil {
			return nil, nil, fmt.Errorf("frame at offset %d: %w", pos, err)
		}
		if pos+h.frameLength > len(data) {
			return nil, nil, fmt.Errorf("%w: truncated frame at offset %d", ErrInvalidADTS, pos)
		}
		if config == nil {
			// Other ADTS profiles are carried as AAC-LC, matching what the encoder emits.
			config = &mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   h.sampleRate,
				ChannelCount: h.channelCount,
			}
		}
		aus = append(aus, data[pos+h.headerSize:pos+h.frameLength])
		pos += h.frameLength
	}
	if len(aus) == 0 {
		return nil, nil, fmt.Errorf("%w: no frames", ErrInvalidADTS)
	}
	return aus, config, nil
}
