package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go-face-compare/models"
)

// LambdaState carries the dependencies of the Lambda entry point.
// TmpDir is where the engine drops downloaded images; it is swept
// before every return so the execution environment does not fill up
// across warm invocations.
type LambdaState struct {
	comparator *Comparator
	tmpDir     string
}

func NewLambdaState(comparator *Comparator, tmpDir string) *LambdaState {
	return &LambdaState{comparator: comparator, tmpDir: tmpDir}
}

// Handle processes a CompareEvent and returns the API-Gateway-style
// envelope. Transport-level errors are never returned; every failure is
// encoded as a statusCode/body pair.
func (s *LambdaState) Handle(ctx context.Context, event models.CompareEvent) (models.ResponseEnvelope, error) {
	defer CleanupTempImages(s.tmpDir)

	slog.Info("Lambda handler started", "do_verify", event.DoVerify == nil || *event.DoVerify)

	if event.URL1 == "" || event.URL2 == "" {
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error: "missing 'url1' or 'url2' in request",
		}), nil
	}

	doVerify := true
	if event.DoVerify != nil {
		doVerify = *event.DoVerify
	}

	result, err := s.comparator.CompareURLs(ctx, event.URL1, event.URL2, doVerify)
	if err != nil {
		return compareErrorEnvelope(err), nil
	}

	body, err := json.Marshal(models.EmbeddingResponse{
		Embedding1: result.Embedding1,
		Embedding2: result.Embedding2,
	})
	if err != nil {
		slog.Error("Failed to marshal lambda response", "error", err)
		return errorEnvelope(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()}), nil
	}

	slog.Info("Lambda comparison completed", "detector_backend", result.DetectorBackend)
	return models.ResponseEnvelope{StatusCode: http.StatusOK, Body: string(body)}, nil
}

// compareErrorEnvelope maps comparator errors onto the envelope. Unlike
// the HTTP endpoint, a mismatch here carries no distance detail and an
// embedding failure is treated as unexpected (500).
func compareErrorEnvelope(err error) models.ResponseEnvelope {
	var verifyErr *VerifyError
	var mismatchErr *FacesMismatchError

	switch {
	case errors.As(err, &mismatchErr):
		slog.Info("Lambda verification rejected face pair")
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error: mismatchErr.Error(),
		})
	case errors.As(err, &verifyErr):
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   "face verification failed with both mtcnn and retinaface",
			Details: verifyErr.Err.Error(),
		})
	default:
		slog.Error("Unexpected error in lambda handler", "error", err)
		return errorEnvelope(http.StatusInternalServerError, models.ErrorResponse{
			Error: err.Error(),
		})
	}
}

func errorEnvelope(status int, body models.ErrorResponse) models.ResponseEnvelope {
	payload, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to marshal error envelope", "error", err)
		payload = []byte(`{"error":"internal error"}`)
	}
	return models.ResponseEnvelope{StatusCode: status, Body: string(payload)}
}
