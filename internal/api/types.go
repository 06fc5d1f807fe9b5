package api

// SynthesizeRequest represents the request payload for one-shot speech
// synthesis
type SynthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// PromptRequest represents the request payload for replacing a viewer's
// persona prompt
type PromptRequest struct {
	ViewerID string `json:"viewer_id"`
	Prompt   string `json:"prompt"`
}

// ClearHistoryRequest represents the request payload for dropping a
// viewer's chat history
type ClearHistoryRequest struct {
	ViewerID string `json:"viewer_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
