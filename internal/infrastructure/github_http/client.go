package github_http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/archbuild/internal/infrastructure/artifact_fs"
	"github.com/klauspost/compress/zip"
)

var ErrNotFound = errors.New("not found")

type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
	dl      *http.Client // no overall deadline; artifacts can be large
	backoff func() backoff.BackOff
}

func New(baseUrl string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &Client{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		dl:      &http.Client{Transport: tr},
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 300 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = 2 * time.Minute
			return bo
		},
	}
}

type Artifact struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	SizeInBytes int64     `json:"size_in_bytes"`
	Expired     bool      `json:"expired"`
	CreatedAt   time.Time `json:"created_at"`
	DownloadURL string    `json:"archive_download_url"`
}

type artifactsDTO struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []Artifact `json:"artifacts"`
}

// LatestArtifact returns the newest non-expired artifact called name in
// the owner/repo repository.
func (c *Client) LatestArtifact(ctx context.Context, repo, name string) (Artifact, error) {
	u := fmt.Sprintf("%s/repos/%s/actions/artifacts?name=%s&per_page=100", c.baseUrl, repo, url.QueryEscape(name))

	var list artifactsDTO
	err := c.do(ctx, c.hc, u, "application/vnd.github+json", func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&list)
	})
	if err != nil {
		return Artifact{}, err
	}

	var best *Artifact
	for i := range list.Artifacts {
		a := &list.Artifacts[i]
		if a.Name != name || a.Expired {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return Artifact{}, fmt.Errorf("artifact %q in %s: %w", name, repo, ErrNotFound)
	}
	return *best, nil
}

// Download saves the artifact zip to dst through a temporary file.
func (c *Client) Download(ctx context.Context, a Artifact, dst string) error {
	tmp := dst + ".part"
	err := c.do(ctx, c.dl, a.DownloadURL, "", func(body io.Reader) error {
		f, err := os.Create(tmp)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(f, body); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (c *Client) do(ctx context.Context, hc *http.Client, target, accept string, read func(io.Reader) error) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := hc.Do(req)
		if err != nil {
			return err
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
					return fmt.Errorf("retry after due to %d", resp.StatusCode)
				}
			}

			return fmt.Errorf("github %s", resp.Status)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("github %s", resp.Status)
		}

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(fmt.Errorf("github %s: %w", target, ErrNotFound))
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("github %s", resp.Status))
		}

		return read(resp.Body)
	}

	return backoff.Retry(op, backoff.WithContext(c.backoff(), ctx))
}

// Extract copies the zip member whose name ends with file into dir and
// returns its path. When the zip also carries a SHA256SUMS manifest with an
// entry for file, the extracted copy is verified against it.
func Extract(zipPath, file, dir string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = zr.Close() }()

	var member, sums *zip.File
	for _, f := range zr.File {
		switch base := path.Base(f.Name); {
		case base == file && member == nil:
			member = f
		case base == artifact_fs.SumsFile:
			sums = f
		}
	}
	if member == nil {
		return "", fmt.Errorf("%s not in artifact archive: %w", file, ErrNotFound)
	}

	dst := filepath.Join(dir, file)
	if err := extractFile(member, dst); err != nil {
		return "", err
	}

	if sums == nil {
		return dst, nil
	}

	rc, err := sums.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()

	want, err := artifact_fs.ParseSums(rc)
	if err != nil {
		return "", err
	}
	if sum, ok := want[file]; ok {
		got, err := artifact_fs.HashFile(dst)
		if err != nil {
			return "", err
		}
		if got != sum {
			_ = os.Remove(dst)
			return "", fmt.Errorf("checksum mismatch for %s: got %s, want %s", file, got, sum)
		}
	}
	return dst, nil
}

func extractFile(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
