package artifact_fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/davarch/archbuild/internal/domain"
)

const SumsFile = "SHA256SUMS"

// FSStore copies produced files into a destination directory and records
// their sha256 checksums.
type FSStore struct {
	fileMode os.FileMode
}

func New() *FSStore { return &FSStore{fileMode: 0o644} }

// Collect is idempotent: collecting the same sources into the same
// destination rewrites identical bytes and checksums.
func (s *FSStore) Collect(ctx context.Context, expected []string, destination string) ([]domain.Artifact, error) {
	if destination == "" {
		return nil, errors.New("artifact destination is empty")
	}

	for _, p := range expected {
		if err := checkSource(p); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, err
	}

	var (
		arts    []domain.Artifact
		written []string
	)
	cleanup := func() {
		for _, w := range written {
			_ = os.Remove(w)
		}
	}

	for _, p := range expected {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, &domain.Error{Kind: domain.KindCancelled, Err: err}
		}

		dst := filepath.Join(destination, filepath.Base(p))
		sum, size, err := s.copyFile(p, dst)
		if err != nil {
			cleanup()
			if errors.Is(err, os.ErrNotExist) {
				return nil, domain.MissingArtifact("", p, err)
			}
			return nil, fmt.Errorf("collect %s: %w", p, err)
		}
		written = append(written, dst)

		arts = append(arts, domain.Artifact{
			Name:        filepath.Base(p),
			Source:      p,
			Destination: dst,
			Checksum:    sum,
			Size:        size,
		})
	}

	if err := writeSums(destination, arts); err != nil {
		cleanup()
		return nil, err
	}

	return arts, nil
}

// Discard removes the given artifacts and the checksum manifest from
// destination. Other files, like the run report, are left alone.
func (s *FSStore) Discard(destination string, arts []domain.Artifact) error {
	var errs []error
	for _, a := range arts {
		if err := os.Remove(a.Destination); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(filepath.Join(destination, SumsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkSource(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return domain.MissingArtifact("", p, err)
	}
	if !fi.Mode().IsRegular() {
		return domain.MissingArtifact("", p, errors.New("not a regular file"))
	}
	if fi.Size() == 0 {
		return domain.MissingArtifact("", p, errors.New("file is empty"))
	}
	return nil
}

// copyFile streams src into dst through a temporary file, hashing as it goes.
func (s *FSStore) copyFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), in)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(tmpName, s.fileMode); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func writeSums(destination string, arts []domain.Artifact) error {
	lines := make([]string, 0, len(arts))
	for _, a := range arts {
		lines = append(lines, a.Checksum+"  "+a.Name)
	}
	sort.Strings(lines)

	path := filepath.Join(destination, SumsFile)
	f, err := os.CreateTemp(destination, "."+SumsFile+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseSums reads a sha256sum-style manifest into name -> checksum.
func ParseSums(r io.Reader) (map[string]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[strings.TrimPrefix(fields[1], "*")] = fields[0]
	}
	return out, nil
}
