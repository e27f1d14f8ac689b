package publish

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type objectPutter interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error)
}

// NATS stores artifacts in a JetStream object store bucket under
// <pipeline>/<run-id>/<name>.
type NATS struct {
	log     *zap.Logger
	nc      *nats.Conn
	obs     objectPutter
	backoff newBackOff
}

func NewNATS(ctx context.Context, l *zap.Logger, url, bucket string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("archbuild"))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("unable to connect to jetstream: %w", err)
	}

	obs, err := js.ObjectStore(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "archbuild artifacts",
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("unable to get object store: %w", err)
	}

	return &NATS{log: l, nc: nc, obs: obs, backoff: defaultBackOff}, nil
}

func (p *NATS) Name() string { return "nats" }

func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

func (p *NATS) Publish(ctx context.Context, run *domain.PipelineRun, artifacts []domain.Artifact) error {
	for _, a := range artifacts {
		name := run.Pipeline + "/" + run.ID + "/" + a.Name

		err := retry(ctx, p.backoff, func() error {
			f, err := openArtifact(a)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			_, err = p.obs.Put(ctx, jetstream.ObjectMeta{
				Name:        name,
				Description: "sha256:" + a.Checksum,
			}, f)
			if err != nil {
				p.log.Warn("object put failed, retrying", zap.String("object", name), zap.Error(err))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("put object %s: %w", name, err)
		}
	}
	return nil
}
