package audio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// DefaultBitDepth is the sample size of scratch and capture WAV files.
const DefaultBitDepth = 16

// wavFormatPCM is the WAVE format tag for linear PCM.
const wavFormatPCM = 1

// ErrInvalidWAV indicates data that is not a readable PCM WAV container.
var ErrInvalidWAV = errors.New("invalid wav data")

// toIntBuffer interleaves and quantizes b.
func (b Buffer) toIntBuffer(bitDepth int) *goaudio.IntBuffer {
	data := make([]int, 0, len(b.Samples)*b.Channels)
	for _, frame := range b.Samples {
		for _, s := range frame {
			data = append(data, quantize(s, bitDepth))
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.Channels, SampleRate: b.FrameRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
}

// WAVEncoder streams buffers into a WAV container. Close finalizes the header.
type WAVEncoder struct {
	enc      *wav.Encoder
	bitDepth int
	frames   int
}

// NewWAVEncoder starts a WAV container on w.
func NewWAVEncoder(w io.WriteSeeker, frameRate, channels, bitDepth int) *WAVEncoder {
	return &WAVEncoder{
		enc:      wav.NewEncoder(w, frameRate, bitDepth, channels, wavFormatPCM),
		bitDepth: bitDepth,
	}
}

// Write appends the buffer's frames.
func (e *WAVEncoder) Write(b Buffer) error {
	if b.Frames() == 0 {
		return nil
	}
	if err := e.enc.Write(b.toIntBuffer(e.bitDepth)); err != nil {
		return fmt.Errorf("writing wav frames: %w", err)
	}
	e.frames += b.Frames()
	return nil
}

// Frames returns how many frames were written.
func (e *WAVEncoder) Frames() int {
	return e.frames
}

// Close patches the RIFF and data chunk sizes. The underlying writer stays open.
func (e *WAVEncoder) Close() error {
	if err := e.enc.Close(); err != nil {
		return fmt.Errorf("finalizing wav: %w", err)
	}
	return nil
}

// WriteWAV writes b as a complete WAV container.
func WriteWAV(w io.WriteSeeker, b Buffer, bitDepth int) error {
	enc := NewWAVEncoder(w, b.FrameRate, b.Channels, bitDepth)
	if err := enc.Write(b); err != nil {
		return err
	}
	return enc.Close()
}

// WriteWAVFile writes b to path on fs, creating parent directories.
func WriteWAVFile(fs afero.Fs, path string, b Buffer) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating wav directory: %w", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav file: %w", err)
	}
	if err := WriteWAV(f, b, DefaultBitDepth); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DecodeWAV reads a PCM WAV container into a normalized buffer.
func DecodeWAV(r io.ReadSeeker) (Buffer, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Buffer{}, ErrInvalidWAV
	}
	ib, err := d.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	channels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	if channels == 0 || bitDepth == 0 {
		return Buffer{}, fmt.Errorf("%w: missing channel count or bit depth", ErrInvalidWAV)
	}

	scale := float32(int(1) << (bitDepth - 1))
	frames := len(ib.Data) / channels
	buf := NewBuffer(frames, channels, int(d.SampleRate))
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			buf.Samples[i][ch] = float32(ib.Data[i*channels+ch]) / scale
		}
	}
	return buf, nil
}
