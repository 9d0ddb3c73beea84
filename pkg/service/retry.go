package service

import (
	"context"
	"fmt"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
)

// RetryPolicy retries Transient adapter errors with a fixed backoff.
// Permanent errors are never retried; a Transient error that outlives its
// retries comes back Permanent.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, Backoff: 200 * time.Millisecond}

// do runs fn until it succeeds, fails permanently, or retries run out.
func (p RetryPolicy) do(ctx context.Context, log *logrus.Entry, op Op, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; ; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !platform.IsTransient(err) {
			return err
		}
		if i >= p.MaxRetries {
			return platform.MarkPermanent(fmt.Errorf("%w (gave up after %d attempts)", err, i+1))
		}
		log.Warnf("%s failed (attempt %d/%d), retrying: %v", op, i+1, p.MaxRetries+1, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.Backoff):
		}
	}
}
