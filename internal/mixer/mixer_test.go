package mixer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	sources []audio.SourceAudio
	err     error
}

func (f *fakeSource) GetAllIntersecting(_ context.Context, streamKey string, from, to time.Time) ([]audio.SourceAudio, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []audio.SourceAudio
	for _, s := range f.sources {
		if s.StreamKey == streamKey && s.Intersects(from, to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// constantSource builds a ready source of the given length filled with value.
func constantSource(id string, begin time.Time, rate, channels int, seconds float64, value float32) audio.SourceAudio {
	frames := int(float64(rate) * seconds)
	pcm := audio.NewBuffer(frames, channels, rate)
	for _, f := range pcm.Samples {
		for c := range f {
			f[c] = value
		}
	}
	return audio.SourceAudio{
		ID:        id,
		StreamKey: "abc",
		BeginAt:   begin,
		EndAt:     begin.Add(time.Duration(seconds * float64(time.Second))),
		FrameRate: rate,
		Channels:  channels,
		Ready:     true,
		PCM:       pcm,
	}
}

func rampSource(begin time.Time, rate int, values ...float32) audio.SourceAudio {
	pcm := audio.NewBuffer(len(values), 1, rate)
	for i, v := range values {
		pcm.Samples[i][0] = v
	}
	return audio.SourceAudio{
		ID:        "ramp",
		StreamKey: "abc",
		BeginAt:   begin,
		EndAt:     begin.Add(time.Second),
		FrameRate: rate,
		Channels:  1,
		Ready:     true,
		PCM:       pcm,
	}
}

func testChunk(t *testing.T) *models.Chunk {
	t.Helper()
	c, err := models.NewChunk("abc", 12, 6, time.Unix(12, 0))
	require.NoError(t, err)
	return c
}

func newTestMixer(src audio.SegmentAudioSource, channels int) *Mixer {
	return New(Config{OutputFrameRate: 48000, OutputChannels: channels, ChunkSeconds: 6}, src, nil)
}

func TestMixer_SingleMonoSourceInsideChunk(t *testing.T) {
	chunk := testChunk(t)
	src := constantSource("s1", chunk.From().Add(time.Second), 48000, 1, 2, 0.5)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{src}}, 2)

	ready, err := m.IsReadyToMix(context.Background(), chunk)
	require.NoError(t, err)
	assert.True(t, ready)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	require.Equal(t, 48000*6, out.Frames())
	assert.Equal(t, 2, out.Channels)
	assert.Equal(t, 48000, out.FrameRate)

	assert.Zero(t, out.Energy(0, 48000))
	assert.Greater(t, out.Energy(48000, 144000), 0.0)
	assert.Zero(t, out.Energy(144000, out.Frames()))

	// mono feeds both output channels
	assert.InDelta(t, 0.5, out.Samples[48000][0], 1e-6)
	assert.InDelta(t, 0.5, out.Samples[48000][1], 1e-6)
}

func TestMixer_OverlappingSourcesSum(t *testing.T) {
	chunk := testChunk(t)
	a := constantSource("a", chunk.From(), 48000, 1, 1, 0.25)
	b := constantSource("b", chunk.From(), 48000, 1, 1, 0.5)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{a, b}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, out.Samples[0][0], 1e-6)
	assert.InDelta(t, 0.75, out.Samples[47999][0], 1e-6)
	assert.Zero(t, out.Samples[48000][0])
}

func TestMixer_NoNormalization(t *testing.T) {
	chunk := testChunk(t)
	a := constantSource("a", chunk.From(), 48000, 1, 1, 0.8)
	b := constantSource("b", chunk.From(), 48000, 1, 1, 0.8)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{a, b}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	assert.InDelta(t, 1.6, out.Samples[100][0], 1e-6)
}

func TestMixer_UpsampleSampleAndHold(t *testing.T) {
	chunk := testChunk(t)
	src := rampSource(chunk.From(), 24000, 0.1, 0.2, 0.3, 0.4)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{src}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)

	want := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3, 0.4, 0.4, 0}
	for i, w := range want {
		assert.InDelta(t, w, out.Samples[i][0], 1e-6, "frame %d", i)
	}
}

func TestMixer_DownsampleFirstFrameWins(t *testing.T) {
	chunk := testChunk(t)
	src := rampSource(chunk.From(), 96000, 0.1, 0.2, 0.3, 0.4)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{src}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, out.Samples[0][0], 1e-6)
	assert.InDelta(t, 0.3, out.Samples[1][0], 1e-6)
	assert.Zero(t, out.Samples[2][0])
}

func TestMixer_PreRollShiftsOffset(t *testing.T) {
	chunk := testChunk(t)
	src := constantSource("s1", chunk.From().Add(time.Second), 48000, 1, 1, 0.5)
	src.PreRoll = 500 * time.Millisecond
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{src}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	assert.Zero(t, out.Samples[23999][0])
	assert.InDelta(t, 0.5, out.Samples[24000][0], 1e-6)
	assert.InDelta(t, 0.5, out.Samples[71999][0], 1e-6)
	assert.Zero(t, out.Samples[72000][0])
}

func TestMixer_ClipsOutOfBounds(t *testing.T) {
	chunk := testChunk(t)
	head := constantSource("head", chunk.From().Add(-time.Second), 48000, 1, 2, 0.5)
	tail := constantSource("tail", chunk.To().Add(-time.Second), 48000, 1, 2, 0.25)
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{head, tail}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	require.Equal(t, 288000, out.Frames())
	assert.InDelta(t, 0.5, out.Samples[0][0], 1e-6)
	assert.InDelta(t, 0.5, out.Samples[47999][0], 1e-6)
	assert.Zero(t, out.Energy(48000, 240000))
	assert.InDelta(t, 0.25, out.Samples[240000][0], 1e-6)
	assert.InDelta(t, 0.25, out.Samples[287999][0], 1e-6)
}

func TestMixer_StereoFoldsIntoMono(t *testing.T) {
	chunk := testChunk(t)
	src := constantSource("st", chunk.From(), 48000, 2, 1, 0.2)
	src.PCM.Samples[0][1] = 0.3
	m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{src}}, 1)

	out, err := m.Mix(context.Background(), chunk)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Samples[0][0], 1e-6)
	assert.InDelta(t, 0.4, out.Samples[1][0], 1e-6)
}

func TestMixer_NotReady(t *testing.T) {
	chunk := testChunk(t)

	t.Run("empty intersection", func(t *testing.T) {
		m := newTestMixer(&fakeSource{}, 2)
		ready, err := m.IsReadyToMix(context.Background(), chunk)
		require.NoError(t, err)
		assert.False(t, ready)

		_, err = m.Mix(context.Background(), chunk)
		assert.ErrorIs(t, err, models.ErrNotReady)
	})

	t.Run("one source pending", func(t *testing.T) {
		a := constantSource("a", chunk.From(), 48000, 1, 1, 0.1)
		b := constantSource("b", chunk.From().Add(2*time.Second), 48000, 1, 1, 0.1)
		b.Ready = false
		m := newTestMixer(&fakeSource{sources: []audio.SourceAudio{a, b}}, 2)

		ready, err := m.IsReadyToMix(context.Background(), chunk)
		require.NoError(t, err)
		assert.False(t, ready)

		_, err = m.Mix(context.Background(), chunk)
		assert.ErrorIs(t, err, models.ErrNotReady)
	})
}

func TestMixer_UnsupportedShapes(t *testing.T) {
	chunk := testChunk(t)

	tests := []struct {
		name   string
		mutate func([]audio.SourceAudio) []audio.SourceAudio
	}{
		{
			name: "zero channels",
			mutate: func(s []audio.SourceAudio) []audio.SourceAudio {
				s[0].Channels = 0
				return s
			},
		},
		{
			name: "zero frame rate",
			mutate: func(s []audio.SourceAudio) []audio.SourceAudio {
				s[0].FrameRate = 0
				return s
			},
		},
		{
			name: "frame count beyond 32 bits",
			mutate: func(s []audio.SourceAudio) []audio.SourceAudio {
				s[0].FrameCount = math.MaxInt32 + 1
				return s
			},
		},
		{
			name: "mixed frame rates",
			mutate: func(s []audio.SourceAudio) []audio.SourceAudio {
				return append(s, constantSource("b", chunk.From(), 44100, 1, 1, 0.1))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := tt.mutate([]audio.SourceAudio{constantSource("a", chunk.From(), 48000, 1, 1, 0.1)})
			m := newTestMixer(&fakeSource{sources: sources}, 2)

			_, err := m.Mix(context.Background(), chunk)
			assert.ErrorIs(t, err, models.ErrUnsupportedAudioShape)
		})
	}
}

func TestMixer_SourceError(t *testing.T) {
	chunk := testChunk(t)
	boom := errors.New("db down")
	m := newTestMixer(&fakeSource{err: boom}, 2)

	_, err := m.IsReadyToMix(context.Background(), chunk)
	assert.ErrorIs(t, err, boom)

	_, err = m.Mix(context.Background(), chunk)
	assert.ErrorIs(t, err, boom)
}
