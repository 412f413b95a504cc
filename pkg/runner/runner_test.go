package runner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/runner"
)

func TestStartFailureStopsStartedServices(t *testing.T) {
	var stopped []string
	ok := runner.ServiceFunc{
		ServiceName: "ok",
		OnStop: func(ctx context.Context) error {
			stopped = append(stopped, "ok")
			return nil
		},
	}
	bad := runner.ServiceFunc{
		ServiceName: "bad",
		OnStart:     func(ctx context.Context) error { return errors.New("refused") },
	}

	err := runner.New([]runner.Service{ok, bad}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"ok"}, stopped, "already-started services stop on failure")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	started := false
	stopped := false
	svc := runner.ServiceFunc{
		ServiceName: "svc",
		OnStart: func(ctx context.Context) error {
			started = true
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped = true
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := runner.New([]runner.Service{svc}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, stopped)
}

type healthyService struct {
	runner.ServiceFunc
	err error
}

func (s healthyService) HealthCheck(ctx context.Context) error { return s.err }

func TestHealthCheck(t *testing.T) {
	healthy := healthyService{ServiceFunc: runner.ServiceFunc{ServiceName: "fine"}}
	sick := healthyService{
		ServiceFunc: runner.ServiceFunc{ServiceName: "sick"},
		err:         errors.New("degraded"),
	}

	r := runner.New([]runner.Service{healthy})
	assert.NoError(t, r.HealthCheck(context.Background()))

	r = runner.New([]runner.Service{healthy, sick})
	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sick")
}
