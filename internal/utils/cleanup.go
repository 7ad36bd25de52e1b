package utils

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// BlobDeleter is the minimal interface needed to drop orphaned artifacts.
type BlobDeleter interface {
	Delete(ctx context.Context, id string) error
}

// RemoveLocal removes a file, treating a missing file as already removed.
func RemoveLocal(fp string) error {
	if fp == "" {
		return nil
	}
	if err := os.Remove(fp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove local file %q: %w", fp, err)
	}
	return nil
}

// RemoveWorkDir removes a job working directory and everything in it.
func RemoveWorkDir(logger hclog.Logger, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("error while removing work dir", "dir", dir, "error", err)
		return
	}
	logger.Debug("removed work dir", "dir", dir)
}

// DeleteOrphan removes an artifact nobody will reference, logging instead of failing.
func DeleteOrphan(ctx context.Context, logger hclog.Logger, store BlobDeleter, id string) {
	if id == "" || store == nil {
		return
	}
	if err := store.Delete(ctx, id); err != nil {
		logger.Warn("failed to delete orphaned artifact", "artifact_id", id, "error", err)
		return
	}
	logger.Info("deleted orphaned artifact", "artifact_id", id)
}
