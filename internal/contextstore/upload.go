package contextstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localcluster/kubedaemon/internal/core"
)

const ttlSweepInterval = time.Second

// UploadRaw accepts inline kubeconfig content, persists it atomically
// (write to a temp file, fsync, rename) under uploadsDir, and registers
// it as an Uploaded source. A concurrent upload with the same
// sourceName replaces the prior content and its contexts. ttl of 0
// means no expiry.
func (s *Store) UploadRaw(uploadsDir string, content []byte, sourceName string, ttl time.Duration) ([]string, error) {
	if sourceName == "" {
		return nil, &core.ErrInvalidInput{Field: "sourceName", Message: "must not be empty"}
	}

	path, err := persistUpload(uploadsDir, sourceName, content)
	if err != nil {
		return nil, err
	}

	return s.Load(content, SourceUploaded, path, ttl)
}

func persistUpload(uploadsDir, sourceName string, content []byte) (string, error) {
	if err := os.MkdirAll(uploadsDir, 0o700); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}

	finalPath := filepath.Join(uploadsDir, sourceName+".yaml")
	tmp, err := os.CreateTemp(uploadsDir, sourceName+".yaml.tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp upload file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("fsync temp upload file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp upload file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename upload file into place: %w", err)
	}

	return finalPath, nil
}

// LoadUploads reloads every previously persisted upload from
// uploadsDir. Called once at startup so uploaded kubeconfigs survive a
// daemon restart. TTL information is not itself persisted (see
// DESIGN.md's open-question resolution): reloaded uploads carry no TTL
// and must be re-uploaded with one if expiry is still desired.
func (s *Store) LoadUploads(uploadsDir string) error {
	entries, err := os.ReadDir(uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read uploads dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(uploadsDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if _, err := s.Load(raw, SourceUploaded, path, 0); err != nil {
			continue
		}
	}
	return nil
}

// RunTTLSweep periodically reaps expired Uploaded contexts. The ≤1s
// tolerance required by the daemon's TTL-expiry property comes
// directly from the sweep interval.
func (s *Store) RunTTLSweep(ctx context.Context) {
	ticker := time.NewTicker(ttlSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapExpired(now)
		}
	}
}
