package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/archbuild/internal/domain"
	"github.com/docker/docker/api/types/image"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func quickBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func artifactFile(t *testing.T, name, content string) domain.Artifact {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return domain.Artifact{Name: name, Destination: p, Checksum: "abc123"}
}

type fakeUploader struct {
	fails int
	keys  []string
	body  []string
	meta  map[string]string
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("503 slow down")
	}
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	f.body = append(f.body, string(b))
	f.meta = in.Metadata
	return &manager.UploadOutput{}, nil
}

func TestS3_PublishRetriesTransientErrors(t *testing.T) {
	up := &fakeUploader{fails: 1}
	p := &S3{log: zap.NewNop(), up: up, bucket: "images", prefix: "arch", backoff: quickBackOff}

	run := &domain.PipelineRun{ID: "run-1", Pipeline: "rootfs"}
	err := p.Publish(context.Background(), run, []domain.Artifact{artifactFile(t, "arch-custom-rootfs.tar.zst", "rootfs")})
	require.NoError(t, err)

	assert.Equal(t, []string{"images/arch/run-1/arch-custom-rootfs.tar.zst"}, up.keys)
	assert.Equal(t, []string{"rootfs"}, up.body)
	assert.Equal(t, "abc123", up.meta["sha256"])
}

func TestS3_PublishGivesUp(t *testing.T) {
	up := &fakeUploader{fails: 10}
	p := &S3{log: zap.NewNop(), up: up, bucket: "images", backoff: quickBackOff}

	err := p.Publish(context.Background(), &domain.PipelineRun{ID: "r"}, []domain.Artifact{artifactFile(t, "a.iso", "iso")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://images/r/a.iso")
	assert.Equal(t, 7, up.fails, "one attempt plus two retries")
}

func TestS3_MissingFileIsPermanent(t *testing.T) {
	up := &fakeUploader{}
	p := &S3{log: zap.NewNop(), up: up, bucket: "images", backoff: quickBackOff}

	err := p.Publish(context.Background(), &domain.PipelineRun{ID: "r"}, []domain.Artifact{{Name: "gone.iso", Destination: "/nonexistent/gone.iso"}})
	require.Error(t, err)
	assert.Empty(t, up.keys)
}

type fakeObjectStore struct {
	names []string
	descs []string
}

func (f *fakeObjectStore) Put(_ context.Context, meta jetstream.ObjectMeta, r io.Reader) (*jetstream.ObjectInfo, error) {
	_, _ = io.Copy(io.Discard, r)
	f.names = append(f.names, meta.Name)
	f.descs = append(f.descs, meta.Description)
	return &jetstream.ObjectInfo{}, nil
}

func TestNATS_Publish(t *testing.T) {
	obs := &fakeObjectStore{}
	p := &NATS{log: zap.NewNop(), obs: obs, backoff: quickBackOff}

	run := &domain.PipelineRun{ID: "run-2", Pipeline: "iso"}
	err := p.Publish(context.Background(), run, []domain.Artifact{
		artifactFile(t, "arch-custom-rootfs.tar.zst", "rootfs"),
		artifactFile(t, "archlinux-custom.iso", "iso"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"iso/run-2/arch-custom-rootfs.tar.zst", "iso/run-2/archlinux-custom.iso"}, obs.names)
	assert.Equal(t, "sha256:abc123", obs.descs[0])
	p.Close()
}

type fakeImporter struct {
	calls  int
	ref    string
	stream string
}

func (f *fakeImporter) ImageImport(_ context.Context, src image.ImportSource, ref string, _ image.ImportOptions) (io.ReadCloser, error) {
	f.calls++
	_, _ = io.Copy(io.Discard, src.Source)
	f.ref = ref
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func TestDocker_ImportsRootfsTarball(t *testing.T) {
	dc := &fakeImporter{stream: `{"status":"sha256:0123"}` + "\n"}
	p := &Docker{log: zap.NewNop(), dc: dc, backoff: quickBackOff}

	run := &domain.PipelineRun{ID: "run-3", Pipeline: "container", Params: domain.Params{domain.ParamImageName: "localhost/arch:latest"}}
	err := p.Publish(context.Background(), run, []domain.Artifact{
		artifactFile(t, "arch-custom-rootfs.tar.zst", "rootfs"),
		artifactFile(t, "arch-custom-container.tar", "oci"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dc.calls)
	assert.Equal(t, "localhost/arch:latest", dc.ref)
}

func TestDocker_DaemonRejectionIsNotRetried(t *testing.T) {
	dc := &fakeImporter{stream: `{"errorDetail":{"message":"unexpected EOF"},"error":"unexpected EOF"}` + "\n"}
	p := &Docker{log: zap.NewNop(), dc: dc, backoff: quickBackOff}

	run := &domain.PipelineRun{ID: "0123456789abcdef", Pipeline: "rootfs"}
	err := p.Publish(context.Background(), run, []domain.Artifact{artifactFile(t, "arch-custom-rootfs.tar.zst", "x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.Equal(t, 1, dc.calls)
	assert.Equal(t, "archbuild/rootfs:01234567", dc.ref)
}

func TestDocker_SkipsWithoutTarball(t *testing.T) {
	dc := &fakeImporter{}
	p := &Docker{log: zap.NewNop(), dc: dc, backoff: quickBackOff}

	err := p.Publish(context.Background(), &domain.PipelineRun{ID: "r"}, []domain.Artifact{artifactFile(t, "arch.iso", "iso")})
	require.NoError(t, err)
	assert.Zero(t, dc.calls)
}
