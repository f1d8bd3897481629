package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go-face-compare/images"
	"go-face-compare/models"

	"github.com/gorilla/mux"
)

const ErrorInternal = "internal error"
const ERR_MARSHAL = "failed to marshal response message"
const ERR_INVALID_PAYLOAD = "invalid payload format - expected 'file1' and 'file2' with 'data' field"
const ERR_INVALID_BASE64 = "invalid base64 data"
const ERR_FACE_NOT_DETECTED = "face not detected in one or both images during pre-check"
const ERR_VERIFICATION_FAILED = "face verification failed"
const ERR_EMBEDDING_FAILED = "face embedding failed"

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	UseTls         bool   `json:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty"`
}

type ServerState struct {
	comparator  *Comparator
	engine      HealthChecker
	jwtVerifier *JwtVerifier
}

// HealthChecker is the slice of the engine client the health endpoint
// needs.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	server *http.Server
	config ServerConfig
}

func (s *Server) ListenAndServe() error {
	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := newRouter(state)

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// The engine may spend over a minute on a cold model load, so
		// the write timeout has to cover a full comparison round-trip.
		WriteTimeout: 150 * time.Second,
		ReadTimeout:  30 * time.Second,
	}

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server: srv,
		config: config,
	}, nil
}

func newRouter(state *ServerState) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(state, w, r)
	}).Methods(http.MethodGet)

	embeddings := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGetEmbeddings(state, w, r)
	})

	var handler http.Handler = embeddings
	if state.jwtVerifier != nil {
		handler = bearerAuth(state.jwtVerifier, embeddings)
	}

	router.Handle("/api/get-embeddings", handler).Methods(http.MethodPost)
	// Unprefixed route kept for backwards compatibility with clients of
	// the original deployment.
	router.Handle("/get-embeddings", handler).Methods(http.MethodPost)

	slog.Debug("Registered all API routes")
	return router
}

func handleHealth(state *ServerState, w http.ResponseWriter, r *http.Request) {
	slog.Debug("Health check request received")

	engineOk := true
	if state.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := state.engine.HealthCheck(ctx); err != nil {
			slog.Warn("Engine health check failed", "error", err)
			engineOk = false
		}
	}

	if err := writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "engine_ok": engineOk}); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

// handleGetEmbeddings always answers with transport status 200; the
// effective status travels inside the statusCode/body envelope, the
// same shape the Lambda entry point returns.
func handleGetEmbeddings(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	slog.Info("Received request to compare faces")

	envelope := compareFacesEnvelope(state, r)
	if envelope.StatusCode != http.StatusOK {
		slog.Warn("Face comparison request failed", "status_code", envelope.StatusCode)
	}
	if err := writeJSON(w, http.StatusOK, envelope); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func compareFacesEnvelope(state *ServerState, r *http.Request) models.ResponseEnvelope {
	var request models.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		slog.Error("failed to decode embedding request", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_INVALID_PAYLOAD,
			Details: err.Error(),
		})
	}

	if request.File1 == nil || request.File2 == nil || request.File1.Data == "" || request.File2.Data == "" {
		slog.Error("embedding request missing file1 or file2")
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error: ERR_INVALID_PAYLOAD,
		})
	}

	img1, _, err := images.ValidateBase64Image(request.File1.Data, "file1")
	if err != nil {
		slog.Error("failed to validate file1", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_INVALID_BASE64,
			Details: err.Error(),
		})
	}
	img2, _, err := images.ValidateBase64Image(request.File2.Data, "file2")
	if err != nil {
		slog.Error("failed to validate file2", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_INVALID_BASE64,
			Details: err.Error(),
		})
	}

	result, err := state.comparator.CompareImages(r.Context(), img1, img2)
	if err != nil {
		return compareErrorHTTPEnvelope(err)
	}

	body, err := json.Marshal(models.EmbeddingResponse{
		Embedding1: result.Embedding1,
		Embedding2: result.Embedding2,
	})
	if err != nil {
		slog.Error(ERR_MARSHAL, "error", err)
		return errorEnvelope(http.StatusInternalServerError, models.ErrorResponse{Error: ErrorInternal})
	}

	slog.Info("Face comparison request completed", "detector_backend", result.DetectorBackend)
	return models.ResponseEnvelope{StatusCode: http.StatusOK, Body: string(body)}
}

// compareErrorHTTPEnvelope maps comparator errors onto the envelope.
// All face-level failures are client errors, only unexpected ones are
// 500s. Unlike the Lambda mapping, a mismatch keeps its distance and
// threshold detail here.
func compareErrorHTTPEnvelope(err error) models.ResponseEnvelope {
	var precheckErr *PrecheckError
	var verifyErr *VerifyError
	var mismatchErr *FacesMismatchError
	var embeddingErr *EmbeddingError

	switch {
	case errors.As(err, &precheckErr):
		slog.Error("face pre-check failed", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_FACE_NOT_DETECTED,
			Details: precheckErr.Error(),
		})
	case errors.As(err, &mismatchErr):
		slog.Info("faces belong to different people",
			"distance", mismatchErr.Distance, "threshold", mismatchErr.Threshold)
		distance := mismatchErr.Distance
		threshold := mismatchErr.Threshold
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:     mismatchErr.Error(),
			Distance:  &distance,
			Threshold: &threshold,
		})
	case errors.As(err, &verifyErr):
		slog.Error("verification call failed", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_VERIFICATION_FAILED,
			Details: verifyErr.Err.Error(),
		})
	case errors.As(err, &embeddingErr):
		slog.Error("embedding extraction failed", "error", err)
		return errorEnvelope(http.StatusBadRequest, models.ErrorResponse{
			Error:   ERR_EMBEDDING_FAILED,
			Details: embeddingErr.Err.Error(),
		})
	default:
		slog.Error("unexpected comparison error", "error", err)
		return errorEnvelope(http.StatusInternalServerError, models.ErrorResponse{
			Error: err.Error(),
		})
	}
}

// helpers ------------

func respondWithErr(w http.ResponseWriter, code int, body models.ErrorResponse, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "response_error", body.Error)
	if err := writeJSON(w, code, body); err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal JSON payload", "error", err)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}
