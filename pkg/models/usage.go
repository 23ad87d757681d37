package models

// Usage represents token usage reported for an LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalised result of a vendor call.
type LLMResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	// Estimated is set when the vendor omitted usage and counts were derived locally.
	Estimated bool `json:"estimated,omitempty"`
}
