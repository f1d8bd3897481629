package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go-face-compare/faceengine"
	"go-face-compare/vector"
)

// PrecheckError reports that no face was found in an input image before
// verification was attempted.
type PrecheckError struct {
	File string
	Err  error
}

func (e *PrecheckError) Error() string {
	return fmt.Sprintf("no face detected in %s", e.File)
}

func (e *PrecheckError) Unwrap() error { return e.Err }

// VerifyError reports that the engine failed to run verification.
type VerifyError struct {
	Err error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("face verification failed: %v", e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// FacesMismatchError reports a completed verification that decided the
// two faces belong to different people.
type FacesMismatchError struct {
	Distance  float64
	Threshold float64
}

func (e *FacesMismatchError) Error() string {
	return "the faces belong to different people"
}

// EmbeddingError reports that embedding extraction failed after the
// detector fallback was exhausted.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("face embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// CompareResult holds the outcome of a successful comparison. Both
// embeddings are unit-norm and produced by the same detector backend.
type CompareResult struct {
	Embedding1      []float64
	Embedding2      []float64
	Verified        bool
	Distance        float64
	Threshold       float64
	DetectorBackend string
}

// detectorChain is the fallback order: MTCNN first, RetinaFace as the
// single retry. No further retries are attempted.
var detectorChain = []string{faceengine.DetectorMTCNN, faceengine.DetectorRetinaFace}

// Comparator runs the verification + embedding flow against the face
// engine, with an optional embedding cache.
type Comparator struct {
	engine  faceengine.Client
	storage EmbeddingStorage
}

func NewComparator(engine faceengine.Client, storage EmbeddingStorage) *Comparator {
	return &Comparator{engine: engine, storage: storage}
}

// CompareImages verifies that two processed images show the same person
// and returns their normalized embeddings. The flow matches the HTTP
// endpoint semantics: face pre-check, strict verification, embeddings
// with detector fallback.
func (c *Comparator) CompareImages(ctx context.Context, img1, img2 []byte) (*CompareResult, error) {
	ref1 := faceengine.DataURI(img1)
	ref2 := faceengine.DataURI(img2)

	if err := c.precheck(ctx, ref1, "file1"); err != nil {
		return nil, err
	}
	if err := c.precheck(ctx, ref2, "file2"); err != nil {
		return nil, err
	}

	slog.Debug("Verifying face pair", "detector_backend", faceengine.DetectorMTCNN)
	verification, err := c.engine.Verify(ctx, ref1, ref2, faceengine.Options{
		Model:            faceengine.ModelArcFace,
		DetectorBackend:  faceengine.DetectorMTCNN,
		EnforceDetection: true,
	})
	if err != nil {
		return nil, &VerifyError{Err: err}
	}
	if !verification.Verified {
		slog.Info("Verification rejected face pair",
			"distance", verification.Distance, "threshold", verification.Threshold)
		return nil, &FacesMismatchError{
			Distance:  verification.Distance,
			Threshold: verification.Threshold,
		}
	}

	emb1, emb2, detector, err := c.representPair(ctx, ref1, ref2)
	if err != nil {
		return nil, err
	}

	norm1, err := vector.Normalize(emb1)
	if err != nil {
		return nil, err
	}
	norm2, err := vector.Normalize(emb2)
	if err != nil {
		return nil, err
	}

	slog.Info("Face comparison completed",
		"verified", true, "detector_backend", detector, "dimensions", len(norm1))
	return &CompareResult{
		Embedding1:      norm1,
		Embedding2:      norm2,
		Verified:        true,
		Distance:        verification.Distance,
		Threshold:       verification.Threshold,
		DetectorBackend: detector,
	}, nil
}

// CompareURLs implements the Lambda flow: optional verification with
// detector fallback, then embeddings produced by the same detector that
// verification succeeded with (MTCNN when verification is skipped).
func (c *Comparator) CompareURLs(ctx context.Context, url1, url2 string, doVerify bool) (*CompareResult, error) {
	detector := faceengine.DetectorMTCNN
	result := &CompareResult{DetectorBackend: detector}

	if doVerify {
		verification, usedDetector, err := c.verifyWithFallback(ctx, url1, url2)
		if err != nil {
			return nil, &VerifyError{
				Err: fmt.Errorf("face verification failed with both mtcnn and retinaface: %w", err),
			}
		}
		if !verification.Verified {
			slog.Info("Verification rejected face pair",
				"distance", verification.Distance, "threshold", verification.Threshold)
			return nil, &FacesMismatchError{
				Distance:  verification.Distance,
				Threshold: verification.Threshold,
			}
		}
		detector = usedDetector
		result.Verified = true
		result.Distance = verification.Distance
		result.Threshold = verification.Threshold
		result.DetectorBackend = detector
	}

	slog.Debug("Generating embeddings", "detector_backend", detector)
	emb1, err := c.represent(ctx, url1, detector)
	if err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("no face found in image: %s", url1)}
	}
	emb2, err := c.represent(ctx, url2, detector)
	if err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("no face found in image: %s", url2)}
	}

	result.Embedding1, err = vector.Normalize(emb1)
	if err != nil {
		return nil, err
	}
	result.Embedding2, err = vector.Normalize(emb2)
	if err != nil {
		return nil, err
	}

	slog.Info("Face comparison completed",
		"verified", result.Verified, "detector_backend", detector, "dimensions", len(result.Embedding1))
	return result, nil
}

// precheck confirms the engine can find a face in the image without
// enforcing detection, so a missing face surfaces as a clean 400 rather
// than a verification failure.
func (c *Comparator) precheck(ctx context.Context, ref string, name string) error {
	slog.Debug("Pre-checking face detection", "file", name)
	_, err := c.represent(ctx, ref, faceengine.DetectorMTCNN)
	if err != nil {
		slog.Warn("Pre-check found no face", "file", name, "error", err)
		return &PrecheckError{File: name, Err: err}
	}
	return nil
}

// verifyWithFallback tries MTCNN then RetinaFace and returns the result
// together with the detector that produced it.
func (c *Comparator) verifyWithFallback(ctx context.Context, img1, img2 string) (*faceengine.VerifyResult, string, error) {
	var lastErr error
	for _, detector := range detectorChain {
		verification, err := c.engine.Verify(ctx, img1, img2, faceengine.Options{
			Model:            faceengine.ModelArcFace,
			DetectorBackend:  detector,
			EnforceDetection: true,
		})
		if err == nil {
			return verification, detector, nil
		}
		slog.Warn("Verification attempt failed", "detector_backend", detector, "error", err)
		lastErr = err
	}
	return nil, "", lastErr
}

// representPair extracts both embeddings with the same detector, falling
// back to RetinaFace when MTCNN fails for either image.
func (c *Comparator) representPair(ctx context.Context, ref1, ref2 string) ([]float64, []float64, string, error) {
	var lastErr error
	for _, detector := range detectorChain {
		emb1, err := c.represent(ctx, ref1, detector)
		if err != nil {
			slog.Warn("Embedding attempt failed", "detector_backend", detector, "image", "file1", "error", err)
			lastErr = err
			continue
		}
		emb2, err := c.represent(ctx, ref2, detector)
		if err != nil {
			slog.Warn("Embedding attempt failed", "detector_backend", detector, "image", "file2", "error", err)
			lastErr = err
			continue
		}
		return emb1, emb2, detector, nil
	}
	return nil, nil, "", &EmbeddingError{Err: lastErr}
}

// represent fetches a single embedding, consulting the cache first.
// Cached vectors are the raw engine output, normalization happens at
// the end of the comparison flow. Only data URIs are cached: their key
// is a content digest, while a plain URL can start serving a different
// image within the cache TTL.
func (c *Comparator) represent(ctx context.Context, ref string, detector string) ([]float64, error) {
	if !strings.HasPrefix(ref, "data:") {
		return c.engine.Represent(ctx, ref, faceengine.Options{
			Model:            faceengine.ModelArcFace,
			DetectorBackend:  detector,
			EnforceDetection: false,
		})
	}

	key := EmbeddingCacheKey(ref, detector)
	if c.storage != nil {
		if vec, ok, err := c.storage.RetrieveEmbedding(key); err == nil && ok {
			slog.Debug("Embedding cache hit", "detector_backend", detector)
			return vec, nil
		} else if err != nil {
			slog.Warn("Embedding cache lookup failed", "error", err)
		}
	}

	vec, err := c.engine.Represent(ctx, ref, faceengine.Options{
		Model:            faceengine.ModelArcFace,
		DetectorBackend:  detector,
		EnforceDetection: false,
	})
	if err != nil {
		return nil, err
	}

	if c.storage != nil {
		if err := c.storage.StoreEmbedding(key, vec); err != nil {
			slog.Warn("Failed to cache embedding", "error", err)
		}
	}
	return vec, nil
}
