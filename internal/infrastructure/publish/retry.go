// Package publish ships the artifacts of a succeeded run to external sinks.
// Every sink retries transient errors with exponential backoff; errors that
// cannot improve on retry (a vanished local file) are permanent.
package publish

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/archbuild/internal/domain"
)

type newBackOff func() backoff.BackOff

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute
	return bo
}

func retry(ctx context.Context, bo newBackOff, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(bo(), ctx))
}

// openArtifact opens the collected copy; a failure here is permanent.
func openArtifact(a domain.Artifact) (*os.File, error) {
	f, err := os.Open(a.Destination)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return f, nil
}
