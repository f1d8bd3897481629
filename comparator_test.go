package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go-face-compare/faceengine"
	"go-face-compare/vector"

	"github.com/stretchr/testify/require"
)

// fakeEngine scripts engine behavior per call and records every request.
type fakeEngine struct {
	verifyFn    func(call int, img1, img2 string, opts faceengine.Options) (*faceengine.VerifyResult, error)
	representFn func(call int, img string, opts faceengine.Options) ([]float64, error)

	verifyCalls    []faceengine.Options
	representCalls []faceengine.Options
}

func (f *fakeEngine) Verify(_ context.Context, img1, img2 string, opts faceengine.Options) (*faceengine.VerifyResult, error) {
	call := len(f.verifyCalls)
	f.verifyCalls = append(f.verifyCalls, opts)
	return f.verifyFn(call, img1, img2, opts)
}

func (f *fakeEngine) Represent(_ context.Context, img string, opts faceengine.Options) ([]float64, error) {
	call := len(f.representCalls)
	f.representCalls = append(f.representCalls, opts)
	return f.representFn(call, img, opts)
}

func (f *fakeEngine) HealthCheck(context.Context) error { return nil }

func verifiedResult(detector string) *faceengine.VerifyResult {
	return &faceengine.VerifyResult{
		Verified:        true,
		Distance:        0.25,
		Threshold:       0.68,
		Model:           faceengine.ModelArcFace,
		DetectorBackend: detector,
	}
}

func happyEngine() *fakeEngine {
	return &fakeEngine{
		verifyFn: func(_ int, _, _ string, opts faceengine.Options) (*faceengine.VerifyResult, error) {
			return verifiedResult(opts.DetectorBackend), nil
		},
		representFn: func(_ int, _ string, _ faceengine.Options) ([]float64, error) {
			return []float64{3, 4, 0}, nil
		},
	}
}

func TestCompareImagesHappyPath(t *testing.T) {
	engine := happyEngine()
	comparator := NewComparator(engine, nil)

	result, err := comparator.CompareImages(context.Background(), []byte("img-a"), []byte("img-b"))
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.Equal(t, faceengine.DetectorMTCNN, result.DetectorBackend)
	require.Equal(t, 0.25, result.Distance)
	require.Equal(t, 0.68, result.Threshold)

	require.InDelta(t, 1.0, vector.Norm(result.Embedding1), 1e-12)
	require.InDelta(t, 1.0, vector.Norm(result.Embedding2), 1e-12)

	// Two pre-checks plus two embedding extractions without a cache
	require.Len(t, engine.representCalls, 4)
	require.Len(t, engine.verifyCalls, 1)
	require.True(t, engine.verifyCalls[0].EnforceDetection)
	require.False(t, engine.representCalls[0].EnforceDetection)
}

func TestCompareImagesPrecheckNoFace(t *testing.T) {
	engine := happyEngine()
	engine.representFn = func(call int, _ string, _ faceengine.Options) ([]float64, error) {
		return nil, faceengine.ErrNoFace
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))

	var precheckErr *PrecheckError
	require.ErrorAs(t, err, &precheckErr)
	require.Equal(t, "file1", precheckErr.File)
	require.ErrorIs(t, err, faceengine.ErrNoFace)
	// Verification never attempted
	require.Empty(t, engine.verifyCalls)
}

func TestCompareImagesVerifyEngineFailure(t *testing.T) {
	engine := happyEngine()
	engine.verifyFn = func(int, string, string, faceengine.Options) (*faceengine.VerifyResult, error) {
		return nil, fmt.Errorf("engine exploded")
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))

	var verifyErr *VerifyError
	require.ErrorAs(t, err, &verifyErr)
}

func TestCompareImagesMismatchCarriesDistance(t *testing.T) {
	engine := happyEngine()
	engine.verifyFn = func(int, string, string, faceengine.Options) (*faceengine.VerifyResult, error) {
		return &faceengine.VerifyResult{Verified: false, Distance: 0.91, Threshold: 0.68}, nil
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))

	var mismatchErr *FacesMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Equal(t, 0.91, mismatchErr.Distance)
	require.Equal(t, 0.68, mismatchErr.Threshold)
}

func TestCompareImagesDetectorFallback(t *testing.T) {
	engine := happyEngine()
	// MTCNN works for both pre-checks, then fails during the embedding
	// phase; RetinaFace has to take over for both images.
	engine.representFn = func(call int, _ string, opts faceengine.Options) ([]float64, error) {
		if call >= 2 && opts.DetectorBackend == faceengine.DetectorMTCNN {
			return nil, fmt.Errorf("mtcnn lost the face")
		}
		return []float64{0, 5, 0}, nil
	}
	comparator := NewComparator(engine, nil)

	result, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, faceengine.DetectorRetinaFace, result.DetectorBackend)
	require.InDelta(t, 1.0, vector.Norm(result.Embedding1), 1e-12)

	// Both final embeddings came from the same detector
	n := len(engine.representCalls)
	require.Equal(t, faceengine.DetectorRetinaFace, engine.representCalls[n-1].DetectorBackend)
	require.Equal(t, faceengine.DetectorRetinaFace, engine.representCalls[n-2].DetectorBackend)
}

func TestCompareImagesFallbackExhausted(t *testing.T) {
	engine := happyEngine()
	engine.representFn = func(call int, _ string, opts faceengine.Options) ([]float64, error) {
		if call < 2 {
			return []float64{1, 0}, nil // pre-checks pass
		}
		return nil, fmt.Errorf("%s failed", opts.DetectorBackend)
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))

	var embeddingErr *EmbeddingError
	require.ErrorAs(t, err, &embeddingErr)
	require.Contains(t, embeddingErr.Err.Error(), "retinaface")
}

func TestCompareImagesZeroNormEmbedding(t *testing.T) {
	engine := happyEngine()
	engine.representFn = func(int, string, faceengine.Options) ([]float64, error) {
		return []float64{0, 0, 0}, nil
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))
	require.Error(t, err)
	require.ErrorIs(t, err, vector.ErrZeroNorm)
}

func TestCompareImagesUsesCache(t *testing.T) {
	engine := happyEngine()
	storage := NewInMemoryEmbeddingStorage()
	comparator := NewComparator(engine, storage)

	_, err := comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))
	require.NoError(t, err)
	// Pre-check embeddings are reused in the embedding phase
	require.Len(t, engine.representCalls, 2)

	_, err = comparator.CompareImages(context.Background(), []byte("a"), []byte("b"))
	require.NoError(t, err)
	// Second run is served entirely from the cache
	require.Len(t, engine.representCalls, 2)
}

func TestCompareURLsNeverCached(t *testing.T) {
	engine := happyEngine()
	storage := NewInMemoryEmbeddingStorage()
	comparator := NewComparator(engine, storage)

	// URL references are not content-addressed, so the image behind a
	// URL may change between invocations; every run must hit the engine.
	_, err := comparator.CompareURLs(context.Background(), "https://a.example/1.jpg", "https://a.example/2.jpg", false)
	require.NoError(t, err)
	require.Len(t, engine.representCalls, 2)

	_, err = comparator.CompareURLs(context.Background(), "https://a.example/1.jpg", "https://a.example/2.jpg", false)
	require.NoError(t, err)
	require.Len(t, engine.representCalls, 4)

	_, ok, err := storage.RetrieveEmbedding(EmbeddingCacheKey("https://a.example/1.jpg", faceengine.DetectorMTCNN))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareURLsVerifyFallbackToRetinaFace(t *testing.T) {
	engine := happyEngine()
	engine.verifyFn = func(_ int, _, _ string, opts faceengine.Options) (*faceengine.VerifyResult, error) {
		if opts.DetectorBackend == faceengine.DetectorMTCNN {
			return nil, fmt.Errorf("mtcnn found nothing")
		}
		return verifiedResult(opts.DetectorBackend), nil
	}
	comparator := NewComparator(engine, nil)

	result, err := comparator.CompareURLs(context.Background(), "https://a.example/1.jpg", "https://a.example/2.jpg", true)
	require.NoError(t, err)
	require.Equal(t, faceengine.DetectorRetinaFace, result.DetectorBackend)
	require.Len(t, engine.verifyCalls, 2)

	// Embeddings use the detector that verification succeeded with
	for _, call := range engine.representCalls {
		require.Equal(t, faceengine.DetectorRetinaFace, call.DetectorBackend)
	}
}

func TestCompareURLsBothDetectorsFailVerification(t *testing.T) {
	engine := happyEngine()
	engine.verifyFn = func(int, string, string, faceengine.Options) (*faceengine.VerifyResult, error) {
		return nil, fmt.Errorf("no face")
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareURLs(context.Background(), "u1", "u2", true)

	var verifyErr *VerifyError
	require.ErrorAs(t, err, &verifyErr)
	require.Contains(t, verifyErr.Err.Error(), "both mtcnn and retinaface")
	require.Len(t, engine.verifyCalls, 2)
	require.Empty(t, engine.representCalls)
}

func TestCompareURLsSkipVerification(t *testing.T) {
	engine := happyEngine()
	comparator := NewComparator(engine, nil)

	result, err := comparator.CompareURLs(context.Background(), "u1", "u2", false)
	require.NoError(t, err)
	require.False(t, result.Verified)
	require.Equal(t, faceengine.DetectorMTCNN, result.DetectorBackend)
	require.Empty(t, engine.verifyCalls)
	require.Len(t, engine.representCalls, 2)
}

func TestCompareURLsMismatch(t *testing.T) {
	engine := happyEngine()
	engine.verifyFn = func(int, string, string, faceengine.Options) (*faceengine.VerifyResult, error) {
		return &faceengine.VerifyResult{Verified: false, Distance: 0.8, Threshold: 0.68}, nil
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareURLs(context.Background(), "u1", "u2", true)

	var mismatchErr *FacesMismatchError
	require.ErrorAs(t, err, &mismatchErr)
	require.Empty(t, engine.representCalls)
}

func TestCompareURLsEmbeddingFailure(t *testing.T) {
	engine := happyEngine()
	engine.representFn = func(int, string, faceengine.Options) ([]float64, error) {
		return nil, errors.New("detector crashed")
	}
	comparator := NewComparator(engine, nil)

	_, err := comparator.CompareURLs(context.Background(), "https://a.example/1.jpg", "u2", true)

	var embeddingErr *EmbeddingError
	require.ErrorAs(t, err, &embeddingErr)
	require.Contains(t, embeddingErr.Err.Error(), "no face found in image: https://a.example/1.jpg")
}
