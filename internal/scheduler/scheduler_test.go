package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler() *Scheduler {
	return NewScheduler().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScheduler_ValidateCron(t *testing.T) {
	s := testScheduler()

	tests := []struct {
		expr  string
		valid bool
	}{
		{"0 */10 * * * *", true},
		{"*/5 * * * *", true},
		{"@every 30s", true},
		{"@hourly", true},
		{"not a cron", false},
		{"61 * * * *", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := s.ValidateCron(tt.expr)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	next, err := s.ParseCron("@every 1h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 2*time.Second)
}

func TestScheduler_AddRejectsBadAndDuplicateTasks(t *testing.T) {
	s := testScheduler()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("bad", "every tuesday", noop))
	require.NoError(t, s.Add("ok", "@every 1h", noop))
	assert.ErrorContains(t, s.Add("ok", "@every 1h", noop), "already registered")
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	s := testScheduler()
	boom := errors.New("boom")
	require.NoError(t, s.Add("b", "@every 1h", func(context.Context) error { return boom }))
	require.NoError(t, s.Add("a", "@every 1h", func(context.Context) error { return nil }))

	require.NoError(t, s.RunNow(context.Background(), "a"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "b"), boom)
	assert.Error(t, s.RunNow(context.Background(), "missing"))

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Name)
	assert.Equal(t, int64(1), status[0].Runs)
	assert.Empty(t, status[0].LastError)
	assert.Equal(t, "boom", status[1].LastError)
	assert.False(t, status[1].LastRun.IsZero())
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := testScheduler()
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *fakePruner) DeleteEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

type fakeRefresher struct{ calls int }

func (r *fakeRefresher) Refresh(context.Context) error {
	r.calls++
	return nil
}

func TestRegisterHousekeeping(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, afero.WriteFile(fsys, "/tmp/shipper/abc-128-1.wav", []byte("x"), 0o644))
	require.NoError(t, fsys.Chtimes("/tmp/shipper/abc-128-1.wav", old, old))

	pruner := &fakePruner{n: 3}
	refresher := &fakeRefresher{}
	s := testScheduler()
	require.NoError(t, RegisterHousekeeping(s, Housekeeping{
		Config: config.HousekeepingConfig{
			Cron:             "0 */10 * * * *",
			DiscoveryCron:    "@every 30s",
			ScratchMaxAge:    time.Hour,
			SegmentRetention: 24 * time.Hour,
		},
		Ship:       config.ShipConfig{TempPrefix: "/tmp/shipper/"},
		InstanceID: "me",
		ScratchFs:  fsys,
		Segments:   pruner,
		Supervisor: refresher,
	}))

	names := make([]string, 0)
	for _, st := range s.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{TaskScratchCleanup, TaskSegmentPrune, TaskDiscovery}, names)

	require.NoError(t, s.RunNow(ctx, TaskScratchCleanup))
	ok, err := afero.Exists(fsys, "/tmp/shipper/abc-128-1.wav")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RunNow(ctx, TaskSegmentPrune))
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), pruner.cutoff, time.Minute)

	require.NoError(t, s.RunNow(ctx, TaskDiscovery))
	assert.Equal(t, 1, refresher.calls)

	pruner.err = errors.New("locked")
	assert.ErrorContains(t, s.RunNow(ctx, TaskSegmentPrune), "locked")
}

func TestRegisterHousekeeping_SkipsMissingCollaborators(t *testing.T) {
	s := testScheduler()
	require.NoError(t, RegisterHousekeeping(s, Housekeeping{
		Config: config.HousekeepingConfig{Cron: "@hourly", DiscoveryCron: "@every 30s"},
	}))
	assert.Empty(t, s.Status())
}
