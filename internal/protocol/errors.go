package protocol

// Error type tags used across both dialects.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAPI            = "api_error"
	ErrTypeConnection     = "connection_error"
	ErrTypeTimeout        = "timeout_error"
)

// ErrorDetail is the inner error object shared by both envelopes.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// OpenAIErrorResponse is the OpenAI error envelope: {"error":{...}}.
type OpenAIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// AnthropicErrorResponse is the Anthropic error envelope:
// {"type":"error","error":{...}}.
type AnthropicErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewOpenAIError builds an OpenAI-shaped error body.
func NewOpenAIError(errType, message string) OpenAIErrorResponse {
	return OpenAIErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// NewAnthropicError builds an Anthropic-shaped error body.
func NewAnthropicError(errType, message string) AnthropicErrorResponse {
	return AnthropicErrorResponse{Type: "error", Error: ErrorDetail{Message: message, Type: errType}}
}

// ErrorBody picks the envelope matching the client's dialect.
func ErrorBody(family Family, errType, message string) any {
	if family == FamilyAnthropic {
		return NewAnthropicError(errType, message)
	}
	return NewOpenAIError(errType, message)
}
