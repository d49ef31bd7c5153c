package fmp4

import (
	"errors"
	"fmt"
)

// Box flag values used by the media fragment writer.
const (
	// TfhdDefaultBaseIsMoof makes trun data offsets relative to the enclosing moof.
	// No base_data_offset is written.
	TfhdDefaultBaseIsMoof = 0x020000

	TrunDataOffsetPresent     = 0x000001
	TrunSampleDurationPresent = 0x000100
	TrunSampleSizePresent     = 0x000200

	// AACFrameDuration is the number of PCM frames in one AAC-LC access unit.
	AACFrameDuration = 1024
)

// ErrNoSamples is returned when a fragment would carry no media.
var ErrNoSamples = errors.New("fragment has no samples")

// Sample is one encoded access unit.
type Sample struct {
	Duration uint32
	Payload  []byte
}

// MediaFragment describes a single-track styp+moof+mdat fragment.
type MediaFragment struct {
	SequenceNumber      uint32
	TrackID             uint32
	BaseMediaDecodeTime uint64
	Samples             []Sample
}

// BuildMediaFragment assembles a self-contained media fragment for one audio track.
func BuildMediaFragment(f MediaFragment) ([]byte, error) {
	if len(f.Samples) == 0 {
		return nil, ErrNoSamples
	}
	if f.TrackID == 0 {
		f.TrackID = 1
	}

	payloadSize := 0
	payloads := make([][]byte, len(f.Samples))
	for i, s := range f.Samples {
		payloads[i] = s.Payload
		payloadSize += len(s.Payload)
	}

	w := newBoxWriter(64 + 8*len(f.Samples) + 16 + payloadSize)
	writeStyp(w)

	w.begin("moof")

	w.beginFull("mfhd", 0, 0)
	w.u32(f.SequenceNumber)
	w.end()

	w.begin("traf")

	w.beginFull("tfhd", 0, TfhdDefaultBaseIsMoof)
	w.u32(f.TrackID)
	w.end()

	w.beginFull("tfdt", 1, 0)
	w.u64(f.BaseMediaDecodeTime)
	w.end()

	w.beginFull("trun", 0, TrunDataOffsetPresent|TrunSampleDurationPresent|TrunSampleSizePresent)
	w.u32(uint32(len(f.Samples)))
	dataOffsetAt := w.len()
	w.u32(0) // patched once the moof is sized
	for _, s := range f.Samples {
		w.u32(s.Duration)
		w.u32(uint32(len(s.Payload)))
	}
	w.end() // trun

	w.end() // traf
	moofSize := w.end()

	dataOffset := moofSize + mdatHeaderSize(payloadSize)
	if dataOffset > 0x7FFFFFFF {
		return nil, fmt.Errorf("data offset %d overflows trun", dataOffset)
	}
	w.putU32At(dataOffsetAt, uint32(dataOffset))

	w.appendMdat(payloads, payloadSize)
	return w.bytes(), nil
}

// writeStyp writes the segment type box with the msdh/msix brands.
func writeStyp(w *boxWriter) {
	w.begin("styp")
	w.fourCC("msdh")
	w.u32(0)
	w.fourCC("msdh")
	w.fourCC("msix")
	w.end()
}

// SamplesFromAccessUnits wraps raw AAC access units as fragment samples.
func SamplesFromAccessUnits(aus [][]byte) []Sample {
	samples := make([]Sample, len(aus))
	for i, au := range aus {
		samples[i] = Sample{Duration: AACFrameDuration, Payload: au}
	}
	return samples
}
