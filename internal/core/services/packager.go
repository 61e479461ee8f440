package services

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/castiron/crucible/internal/core/ports"
)

// Packager turns an exported model directory into the gzipped tar
// archive the compiler consumes.
type Packager struct {
	logger *slog.Logger
	store  ports.ArtifactStore
}

func NewPackager(logger *slog.Logger, store ports.ArtifactStore) *Packager {
	return &Packager{logger: logger, store: store}
}

// PackageModel archives modelDir under key in the artifact store and
// returns the result locator plus the sha256 of the archive bytes.
func (p *Packager) PackageModel(modelDir, key string) (string, string, error) {
	info, err := os.Stat(modelDir)
	if err != nil {
		return "", "", fmt.Errorf("stat model dir: %w", err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", modelDir)
	}

	pr, pw := io.Pipe()
	hash := sha256.New()

	go func() {
		pw.CloseWithError(writeArchive(io.MultiWriter(pw, hash), modelDir))
	}()

	location, err := p.store.Put(key, pr)
	if err != nil {
		return "", "", fmt.Errorf("store archive: %w", err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	p.logger.Info("model packaged", "dir", modelDir, "location", location, "sha256", digest)
	return location, digest, nil
}

// writeArchive streams modelDir as a gzipped tar with paths relative to
// the directory root.
func writeArchive(w io.Writer, modelDir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(modelDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(modelDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return gz.Close()
}
