package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const DefaultWeightsSource = "/var/task/.deepface/weights"
const DefaultWeightsTarget = "/tmp/.deepface/weights"

// CopyWeights copies engine weight files from the read-only deployment
// package into the writable location the engine loads from, so a cold
// start does not trigger a model download. Files already present in the
// target are left alone. A missing source directory only logs a
// warning: the engine will download the models itself.
func CopyWeights(srcDir, dstDir string) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		slog.Warn("Weights source directory not found, models will be downloaded", "source", srcDir)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read weights directory: %w", err)
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create weights target directory: %w", err)
	}

	copied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		target := filepath.Join(dstDir, entry.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, entry.Name()), target); err != nil {
			return copied, fmt.Errorf("failed to copy weight file %s: %w", entry.Name(), err)
		}
		copied++
	}

	slog.Info("Engine weights warmed up", "source", srcDir, "target", dstDir, "copied", copied)
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// CleanupTempImages removes image files the engine left behind in dir.
// Removal failures are ignored, the sweep is best effort.
func CleanupTempImages(dir string) {
	for _, pattern := range []string{"*.jpg", "*.jpeg", "*.png"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			if err := os.Remove(match); err != nil {
				slog.Debug("Failed to remove temp image", "path", match, "error", err)
			}
		}
	}
}
