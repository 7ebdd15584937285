package reload

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandle struct {
	name    string
	stopErr error
	stopped bool
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopped = true
	return h.stopErr
}

func seqGenerator() func() string {
	n := 0
	return func() string {
		n++
		return "gen-" + string(rune('0'+n))
	}
}

func TestSupervisorBeginReloadCoalesces(t *testing.T) {
	s := NewSupervisor("gen-0", seqGenerator())

	a1, coalesced1 := s.BeginReload("r1")
	require.False(t, coalesced1)

	a2, coalesced2 := s.BeginReload("r2")
	require.True(t, coalesced2)
	require.Equal(t, a1.AttemptID, a2.AttemptID)
}

func TestSupervisorMarkSwapInstalledAdvancesGeneration(t *testing.T) {
	s := NewSupervisor("gen-0", seqGenerator())
	a, _ := s.BeginReload("r1")

	require.True(t, s.MarkSwapInstalled(a.AttemptID))
	require.Equal(t, int64(1), s.ActiveGeneration().GenerationSeq)

	require.NoError(t, s.FinishReload(a.AttemptID, true))
}

func TestSupervisorRollback(t *testing.T) {
	s := NewSupervisor("gen-0", seqGenerator())
	a, _ := s.BeginReload("r1")
	require.True(t, s.MarkSwapInstalled(a.AttemptID))

	require.True(t, s.RollbackSwapInstalled(a.AttemptID))
	require.Equal(t, int64(0), s.ActiveGeneration().GenerationSeq)
}

func newTestManager(t *testing.T, initial Handle) (*Manager, *Supervisor) {
	t.Helper()
	sup := NewSupervisor("gen-0", seqGenerator())
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	mgr := NewManager(sup, metrics, zap.NewNop(), initial)
	return mgr, sup
}

func TestReloadSuccessfulCutoverAndDrain(t *testing.T) {
	h0 := &fakeHandle{name: "h0"}
	mgr, sup := newTestManager(t, h0)

	var h1 *fakeHandle
	err := mgr.Reload(context.Background(), "cli_update", func(ctx context.Context) (Handle, error) {
		h1 = &fakeHandle{name: "h1"}
		return h1, nil
	}, nil)
	require.NoError(t, err)

	require.Equal(t, int64(1), sup.ActiveGeneration().GenerationSeq)
	require.True(t, h0.stopped)
	require.Same(t, h1, mgr.Current())
}

func TestReloadRollsBackOnPostCutoverFailure(t *testing.T) {
	h0 := &fakeHandle{name: "h0"}
	mgr, sup := newTestManager(t, h0)

	err := mgr.Reload(context.Background(), "cli_update", func(ctx context.Context) (Handle, error) {
		return &fakeHandle{name: "h1"}, nil
	}, func() error {
		return errors.New("boom during drain prep")
	})

	require.Error(t, err)
	require.Equal(t, int64(0), sup.ActiveGeneration().GenerationSeq)
	require.Same(t, h0, mgr.Current())
}

func TestReloadFailsBeforeCutoverOnWarmupError(t *testing.T) {
	h0 := &fakeHandle{name: "h0"}
	mgr, sup := newTestManager(t, h0)

	err := mgr.Reload(context.Background(), "cli_update", func(ctx context.Context) (Handle, error) {
		return nil, errors.New("warmup boom")
	}, nil)

	require.Error(t, err)
	require.Equal(t, int64(0), sup.ActiveGeneration().GenerationSeq)
	require.Same(t, h0, mgr.Current())
}

func TestReloadDrainFailureIsWarnedNotFatal(t *testing.T) {
	h0 := &fakeHandle{name: "h0", stopErr: errors.New("drain boom")}
	mgr, sup := newTestManager(t, h0)

	var h1 *fakeHandle
	err := mgr.Reload(context.Background(), "cli_update", func(ctx context.Context) (Handle, error) {
		h1 = &fakeHandle{name: "h1"}
		return h1, nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, int64(1), sup.ActiveGeneration().GenerationSeq)
	require.Same(t, h1, mgr.Current())
}
