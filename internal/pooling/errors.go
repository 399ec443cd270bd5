package pooling

// PoolingError is returned for precondition violations. Callers match the
// sentinel values below with errors.Is.
type PoolingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *PoolingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrShapeMismatch   = &PoolingError{Type: "shape_mismatch", Message: "attention mask shape does not match token embeddings", Code: 2001}
	ErrEmptySequence   = &PoolingError{Type: "empty_sequence", Message: "sequence length is zero", Code: 2002}
	ErrInvalidTensor   = &PoolingError{Type: "invalid_tensor", Message: "invalid tensor", Code: 2003}
	ErrUnknownStrategy = &PoolingError{Type: "unknown_strategy", Message: "unknown pooling strategy", Code: 2004}
	ErrInvalidMask     = &PoolingError{Type: "invalid_mask", Message: "attention mask value outside {0, 1}", Code: 2005}
)
