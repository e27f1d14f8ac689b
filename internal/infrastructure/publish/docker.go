package publish

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/archbuild/internal/domain"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

type imageImporter interface {
	ImageImport(ctx context.Context, source image.ImportSource, ref string, options image.ImportOptions) (io.ReadCloser, error)
}

// Docker imports the root filesystem tarball of a run into a Docker API
// daemon (dockerd, or podman's compatible socket).
type Docker struct {
	log     *zap.Logger
	dc      imageImporter
	backoff newBackOff
}

// NewDocker honours DOCKER_HOST and friends unless host is set.
func NewDocker(l *zap.Logger, host string) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	dc, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client: %w", err)
	}
	return &Docker{log: l, dc: dc, backoff: defaultBackOff}, nil
}

func (p *Docker) Name() string { return "docker" }

func (p *Docker) Publish(ctx context.Context, run *domain.PipelineRun, artifacts []domain.Artifact) error {
	var rootfs *domain.Artifact
	for i := range artifacts {
		if isRootfsTarball(artifacts[i].Name) {
			rootfs = &artifacts[i]
			break
		}
	}
	if rootfs == nil {
		p.log.Info("no filesystem tarball to import", zap.String("run", run.ID))
		return nil
	}

	ref := imageRef(run)
	err := retry(ctx, p.backoff, func() error {
		f, err := openArtifact(*rootfs)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		body, err := p.dc.ImageImport(ctx,
			image.ImportSource{Source: f, SourceName: "-"},
			ref,
			image.ImportOptions{Message: "archbuild " + run.Pipeline + " " + run.ID},
		)
		if err != nil {
			p.log.Warn("image import failed, retrying", zap.String("image", ref), zap.Error(err))
			return err
		}
		defer func() { _ = body.Close() }()

		if err := jsonmessage.DisplayJSONMessagesStream(body, io.Discard, 0, false, nil); err != nil {
			// the daemon rejected the archive itself
			return backoff.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("import %s as %s: %w", rootfs.Name, ref, err)
	}

	p.log.Info("image imported", zap.String("image", ref), zap.String("sha256", rootfs.Checksum))
	return nil
}

func imageRef(run *domain.PipelineRun) string {
	if ref := run.Params[domain.ParamImageName]; ref != "" {
		return ref
	}
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "archbuild/" + run.Pipeline + ":" + id
}

// isRootfsTarball matches compressed filesystem archives. Plain .tar files
// are image archives (podman save) and are left alone.
func isRootfsTarball(name string) bool {
	for _, ext := range []string{".tar.zst", ".tar.gz", ".tar.xz"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
