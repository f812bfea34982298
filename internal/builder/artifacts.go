package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// apkRelativePath is the deterministic location of the default build
	// variant's output inside a built project tree.
	apkRelativePath = "app/build/outputs/apk/release/app-release.apk"

	// ArtifactMime is the content type recorded for committed packages.
	ArtifactMime = "application/vnd.android.package-archive"
)

// Artifact describes a durably stored build output.
type Artifact struct {
	Path string
	Mime string
	Size int64
}

// Committer locates build output and copies it into durable per-app storage.
// Filenames are job-qualified, so concurrent or historical builds of the same
// app never overwrite one another; the per-app directory is append-only.
type Committer struct {
	artifactsRoot string
}

// NewCommitter creates a committer writing under the given storage root.
func NewCommitter(artifactsRoot string) *Committer {
	return &Committer{artifactsRoot: artifactsRoot}
}

// Commit copies the built package out of projectDir into the per-app artifact
// directory and reports the copied file's byte size. Callers only point the
// app record at the returned path after Commit succeeds, so a reader can
// never observe a partially written artifact.
func (c *Committer) Commit(projectDir string, appID, jobID uint) (*Artifact, error) {
	src := filepath.Join(projectDir, filepath.FromSlash(apkRelativePath))
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("build produced no package at %s: %w", apkRelativePath, err)
	}

	appDir := filepath.Join(c.artifactsRoot, fmt.Sprintf("app-%d", appID))
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	dst := filepath.Join(appDir, fmt.Sprintf("app-release-job%d.apk", jobID))
	size, err := copyArtifact(src, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	return &Artifact{
		Path: dst,
		Mime: ArtifactMime,
		Size: size,
	}, nil
}

func copyArtifact(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	return size, nil
}
