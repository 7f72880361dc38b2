package scanning

import "errors"

// Classified failures. Stages wrap these with fmt.Errorf("%w") so callers
// can branch with errors.Is.
var (
	// ErrConfiguration means the deployment cannot perform the operation at all
	// (missing PDF renderer, missing API key). Retrying will not help.
	ErrConfiguration = errors.New("configuration error")

	// ErrRender means the file could not be read, decoded or rendered.
	ErrRender = errors.New("render error")

	// ErrRefused means the model declined to answer (safety block).
	ErrRefused = errors.New("model refused the request")

	// ErrTruncated means the model hit the output token ceiling.
	ErrTruncated = errors.New("model output truncated")

	// ErrTimeout means the extraction deadline expired.
	ErrTimeout = errors.New("extraction timed out")

	// ErrInvalidResponse means the model reply did not satisfy the output schema.
	ErrInvalidResponse = errors.New("invalid model response")
)
