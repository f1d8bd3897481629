package models

// ImagePayload carries a single base64 encoded image.
type ImagePayload struct {
	Data string `json:"data"`
}

// EmbeddingRequest is the body of POST /api/get-embeddings.
type EmbeddingRequest struct {
	File1 *ImagePayload `json:"file1"`
	File2 *ImagePayload `json:"file2"`
}

// CompareEvent is the Lambda invocation payload. Images are referenced
// by URL and fetched by the face engine itself. DoVerify defaults to
// true when absent.
type CompareEvent struct {
	URL1     string `json:"url1"`
	URL2     string `json:"url2"`
	DoVerify *bool  `json:"do_verify,omitempty"`
}
