package runner

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
	"github.com/hochfrequenz/coreci/internal/protocol"
)

// Registrar is the dispatcher call used for self-registration
type Registrar interface {
	RegisterRunner(ctx context.Context, req protocol.RegisterRunnerRequest) (*domain.RunnerHandle, error)
}

// Register announces the runner to the dispatcher, retrying with backoff
// until it succeeds or ctx is cancelled.
func Register(ctx context.Context, reg Registrar, req protocol.RegisterRunnerRequest, delay time.Duration) error {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return retry.Do(
		func() error {
			_, err := reg.RegisterRunner(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(delay),
		retry.MaxDelay(time.Minute),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("attempt", n+1).WithError(err).Warn("register: dispatcher not reachable, retrying")
		}),
	)
}
