package fragment

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/notify"
	"github.com/jmylchreest/shipper/internal/observability"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adtsFrame wraps payload in a 7-byte AAC-LC ADTS header (48 kHz).
func adtsFrame(payload []byte, channels int) []byte {
	const rateIndex = 3
	length := 7 + len(payload)
	h := []byte{
		0xFF, 0xF1,
		byte(1<<6 | rateIndex<<2 | channels>>2),
		byte((channels&0x03)<<6 | (length>>11)&0x03),
		byte(length >> 3),
		byte((length&0x07)<<5 | 0x1F),
		0xFC,
	}
	return append(h, payload...)
}

// fakeEncoder reads the scratch WAV and writes one ADTS frame per 1024 frames.
type fakeEncoder struct {
	fs       afero.Fs
	err      error
	empty    bool
	wavSeen  string
	inFrames int
}

func (f *fakeEncoder) EncodeFile(_ context.Context, wavPath, aacPath string) error {
	f.wavSeen = wavPath
	if f.err != nil {
		return f.err
	}
	file, err := f.fs.Open(wavPath)
	if err != nil {
		return err
	}
	defer file.Close()
	buf, err := audio.DecodeWAV(file)
	if err != nil {
		return err
	}
	f.inFrames = buf.Frames()

	var out []byte
	if !f.empty {
		for i := 0; i < (buf.Frames()+1023)/1024; i++ {
			out = append(out, adtsFrame(bytes.Repeat([]byte{byte(i)}, 32), buf.Channels)...)
		}
	}
	return afero.WriteFile(f.fs, aacPath, out, 0o644)
}

type fakeTracker struct {
	mu          sync.Mutex
	initialized map[string]bool
}

func (f *fakeTracker) IsInitialized(streamKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized[streamKey]
}

func (f *fakeTracker) DidInitialize(streamKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized == nil {
		f.initialized = map[string]bool{}
	}
	f.initialized[streamKey] = true
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Publish(_ context.Context, _ notify.Level, message string) error {
	r.messages = append(r.messages, message)
	return nil
}

type failingStore struct {
	storage.ObjectStore
}

func (failingStore) Put(context.Context, string, string, []byte, string) error {
	return errors.New("bucket gone")
}

type fixture struct {
	fs       afero.Fs
	store    *storage.FSStore
	encoder  *fakeEncoder
	tracker  *fakeTracker
	notifier *recordingNotifier
	metrics  *observability.Metrics
	builder  *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := storage.NewFSStore(fsys, "/objects", nil)
	require.NoError(t, err)

	f := &fixture{
		fs:       fsys,
		store:    store,
		encoder:  &fakeEncoder{fs: fsys},
		tracker:  &fakeTracker{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(),
	}
	f.builder = NewBuilder(Config{TempPrefix: "/scratch/", Bucket: "stream", Kbps: 128},
		f.encoder, store, f.tracker, f.notifier, nil).
		WithScratchFs(fsys).
		WithMetrics(f.metrics)
	return f
}

func mixingChunk(t *testing.T, from int64) *models.Chunk {
	t.Helper()
	c, err := models.NewChunk("abc", from, 6, time.Now())
	require.NoError(t, err)
	require.NoError(t, c.SetState(models.ChunkStateMixing, time.Now()))
	return c
}

func tone(frames int) audio.Buffer {
	b := audio.NewBuffer(frames, 2, 48000)
	for i := range b.Samples {
		b.Samples[i][0] = 0.25
		b.Samples[i][1] = -0.25
	}
	return b
}

func TestBuilder_ShipPublishesFragmentAndInit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := mixingChunk(t, 1759996800)

	require.NoError(t, f.builder.Ship(ctx, c, tone(48000*6)))

	assert.Equal(t, models.ChunkStateDone, c.State())
	assert.Equal(t, []string{"abc-128-293332800.m4s", "abc-128-IS.mp4"}, c.ProducedKeys())
	assert.Equal(t, "/scratch/abc-128-293332800.wav", f.encoder.wavSeen)
	assert.Equal(t, 48000*6, f.encoder.inFrames)
	assert.True(t, f.tracker.IsInitialized("abc"))

	frag, err := f.store.Get(ctx, "stream", "abc-128-293332800.m4s")
	require.NoError(t, err)
	assert.Equal(t, "styp", string(frag[4:8]))
	assert.True(t, bytes.Contains(frag, []byte("moof")))
	assert.True(t, bytes.Contains(frag, []byte("mdat")))

	tfdt, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(frag), nil,
		gomp4.BoxPath{gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf(), gomp4.BoxTypeTfdt()})
	require.NoError(t, err)
	require.Len(t, tfdt, 1)
	assert.Equal(t, uint64(1759996800*48000), tfdt[0].Payload.(*gomp4.Tfdt).BaseMediaDecodeTimeV1,
		"decode time matches the timeline start of the chunk")

	initSeg, err := f.store.Get(ctx, "stream", "abc-128-IS.mp4")
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(initSeg[4:8]))

	for _, p := range []string{"/scratch/abc-128-293332800.wav", "/scratch/abc-128-293332800.aac"} {
		exists, err := afero.Exists(f.fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "shipper_chunks_shipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBuilder_InitPublishedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.builder.Ship(ctx, mixingChunk(t, 6), tone(4800)))
	second := mixingChunk(t, 12)
	require.NoError(t, f.builder.Ship(ctx, second, tone(4800)))

	assert.Equal(t, []string{"abc-128-2.m4s"}, second.ProducedKeys())
}

func TestBuilder_EncodeFailureLeavesChunkForRecovery(t *testing.T) {
	f := newFixture(t)
	f.encoder.err = models.ErrEncodeFailed
	c := mixingChunk(t, 6)

	err := f.builder.Ship(context.Background(), c, tone(4800))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEncodeFailed)

	var shipErr *ShipError
	require.ErrorAs(t, err, &shipErr)
	assert.Equal(t, StageEncode, shipErr.Stage)
	assert.Equal(t, int64(1), shipErr.Seq)

	assert.Equal(t, models.ChunkStateEncoding, c.State())
	assert.Empty(t, c.ProducedKeys())
	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "abc/1")

	exists, _ := afero.Exists(f.fs, "/scratch/abc-128-1.wav")
	assert.False(t, exists)
}

func TestBuilder_EmptyEncoderOutput(t *testing.T) {
	f := newFixture(t)
	f.encoder.empty = true
	c := mixingChunk(t, 6)

	err := f.builder.Ship(context.Background(), c, tone(4800))
	assert.ErrorIs(t, err, models.ErrEncodeFailed)
	assert.Equal(t, models.ChunkStateEncoding, c.State())
}

func TestBuilder_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.builder.store = failingStore{}
	c := mixingChunk(t, 6)

	err := f.builder.Ship(context.Background(), c, tone(4800))
	var shipErr *ShipError
	require.ErrorAs(t, err, &shipErr)
	assert.Equal(t, StageUpload, shipErr.Stage)
	assert.Equal(t, models.ChunkStateShipping, c.State())
	assert.False(t, f.tracker.IsInitialized("abc"))
}

func TestBuilder_RejectsChunkNotMixing(t *testing.T) {
	f := newFixture(t)
	c, err := models.NewChunk("abc", 6, 6, time.Now())
	require.NoError(t, err)

	err = f.builder.Ship(context.Background(), c, tone(4800))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.ChunkStatePending, c.State())
	assert.Empty(t, f.encoder.wavSeen)
}

func TestBuilder_ScratchPaths(t *testing.T) {
	b := NewBuilder(Config{TempPrefix: "/tmp/shipper/", Kbps: 64}, nil, nil, nil, nil, nil)
	c, err := models.NewChunk("live", 60, 6, time.Now())
	require.NoError(t, err)

	wav, aac := b.ScratchPaths(c)
	assert.Equal(t, "/tmp/shipper/live-64-10.wav", wav)
	assert.Equal(t, "/tmp/shipper/live-64-10.aac", aac)
}
