// Package audio holds the PCM representation shared by the mixer, the fragment
// builder and the output sinks, plus WAV container helpers.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Buffer is frame-major PCM: Samples[frame][channel], nominally in [-1, 1].
// Values outside that range are kept; they are clipped only when quantized.
type Buffer struct {
	FrameRate int
	Channels  int
	Samples   [][]float32
}

// NewBuffer allocates a silent buffer.
func NewBuffer(frames, channels, frameRate int) Buffer {
	backing := make([]float32, frames*channels)
	samples := make([][]float32, frames)
	for i := range samples {
		samples[i] = backing[i*channels : (i+1)*channels : (i+1)*channels]
	}
	return Buffer{FrameRate: frameRate, Channels: channels, Samples: samples}
}

// Frames returns the number of frames.
func (b Buffer) Frames() int {
	return len(b.Samples)
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.FrameRate == 0 {
		return 0
	}
	return time.Duration(int64(len(b.Samples)) * int64(time.Second) / int64(b.FrameRate))
}

// Slice returns frames [from, to) sharing the underlying storage.
func (b Buffer) Slice(from, to int) Buffer {
	return Buffer{FrameRate: b.FrameRate, Channels: b.Channels, Samples: b.Samples[from:to]}
}

// Energy returns the sum of squared samples over [from, to).
func (b Buffer) Energy(from, to int) float64 {
	var e float64
	for _, frame := range b.Samples[from:to] {
		for _, s := range frame {
			e += float64(s) * float64(s)
		}
	}
	return e
}

// quantize converts a float sample to a signed integer of the given bit depth, clipping at full scale.
func quantize(s float32, bitDepth int) int {
	maxVal := float64(int(1)<<(bitDepth-1)) - 1
	v := math.Round(float64(s) * maxVal)
	if v > maxVal {
		v = maxVal
	} else if v < -maxVal-1 {
		v = -maxVal - 1
	}
	return int(v)
}

// AppendS16LE appends the buffer as interleaved signed 16-bit little-endian PCM,
// the raw format fed to encoder and player subprocesses.
func (b Buffer) AppendS16LE(dst []byte) []byte {
	for _, frame := range b.Samples {
		for _, s := range frame {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(quantize(s, 16))))
		}
	}
	return dst
}
