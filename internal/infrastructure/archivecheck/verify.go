// Package archivecheck enforces the exclusion contract on filesystem
// archives: pseudo-filesystems, machine identity, secret key material and
// transient caches must never be shipped inside a rootfs tarball.
package archivecheck

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DefaultExcludes are relative to the archive root. "**" crosses directory
// boundaries, so the directories themselves stay (as mount points) while
// their contents are rejected.
var DefaultExcludes = []string{
	"proc/**",
	"sys/**",
	"dev/**",
	"run/**",
	"tmp/**",
	"var/tmp/**",
	"var/cache/pacman/pkg/**",
	"etc/machine-id",
	"etc/resolv.conf",
	"etc/pacman.d/gnupg/private-keys-v1.d/**",
	"etc/pacman.d/gnupg/secring.gpg",
}

const maxReported = 10

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

type Verifier struct {
	patterns []string
	globs    []glob.Glob
}

func New(patterns []string) (*Verifier, error) {
	if patterns == nil {
		patterns = DefaultExcludes
	}
	v := &Verifier{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		v.globs = append(v.globs, g)
	}
	return v, nil
}

// TarExcludeArgs renders the patterns as GNU tar --exclude flags for an
// archive created with "-C <root> .".
func (v *Verifier) TarExcludeArgs() []string {
	return TarExcludeArgs(v.patterns)
}

func TarExcludeArgs(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, "--exclude=./"+strings.ReplaceAll(p, "**", "*"))
	}
	return out
}

// Excluded reports whether an archive member name matches an exclusion.
func (v *Verifier) Excluded(name string) bool {
	n := normalize(name)
	if n == "" {
		return false
	}
	for _, g := range v.globs {
		if g.Match(n) {
			return true
		}
	}
	return false
}

// Verify fails when the archive at path contains any excluded member.
func (v *Verifier) Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r, closer, err := decompress(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer closer()

	var offending []string
	total := 0
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read archive: %w", path, err)
		}
		if v.Excluded(hdr.Name) {
			total++
			if len(offending) < maxReported {
				offending = append(offending, hdr.Name)
			}
		}
	}

	if total > 0 {
		return fmt.Errorf("%s contains %d excluded member(s): %s", path, total, strings.Join(offending, ", "))
	}
	return nil
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		d, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case bytes.HasPrefix(head, gzipMagic):
		z, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return z, func() { _ = z.Close() }, nil
	default:
		return br, func() {}, nil
	}
}

func normalize(name string) string {
	n := strings.TrimPrefix(name, "./")
	n = strings.TrimLeft(n, "/")
	return strings.TrimSuffix(n, "/")
}
