package beat

import (
	"context"
	"jobq/internal/config"
	"jobq/internal/domain"
	"jobq/internal/infra/memory"
	"jobq/internal/usecase"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMissingSchedule(t *testing.T) {
	cfg := &config.Config{ScheduleFile: filepath.Join(t.TempDir(), "absent.yaml")}
	err := Run(context.Background(), cfg, usecase.Submitter{}, memory.NewLocker(), "b")
	assert.Error(t, err)
}

func TestRunFiresFromScheduleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - task_name: maintenance_sweep
    interval_seconds: 1
    default_payload:
      task: vacuum
`), 0o600))

	store, broker := memory.NewStore(), memory.NewBroker()
	t.Cleanup(broker.Close)
	cfg := &config.Config{
		ScheduleFile: path,
		Beat:         config.Beat{TickInterval: 50 * time.Millisecond, LeaderTTL: time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, Run(ctx, cfg, usecase.Submitter{Store: store, Broker: broker}, memory.NewLocker(), "b"))

	jobs, err := store.ListByStatus(context.Background(), domain.StatusPending, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, jobs)
	assert.LessOrEqual(t, len(jobs), 3)
	assert.Equal(t, "vacuum", jobs[0].Payload["task"])
}
