package models

// EmbeddingResponse is returned on a successful comparison. Both
// vectors are normalized to unit length.
type EmbeddingResponse struct {
	Embedding1 []float64 `json:"embedding1"`
	Embedding2 []float64 `json:"embedding2"`
}

// ErrorResponse is the JSON error body. Distance and Threshold are only
// present when a verification mismatch produced them.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Details   string   `json:"details,omitempty"`
	Distance  *float64 `json:"distance,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// ResponseEnvelope is the API-Gateway-style envelope both entry points
// answer with: the body is a JSON encoded string, not a nested object.
// The HTTP endpoint always responds with transport status 200 and puts
// the effective status in StatusCode.
type ResponseEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}
