package models

// PricingEntry holds per-1K token prices for a model, in credits.
type PricingEntry struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// ProviderDescriptor lists the models a vendor exposes.
type ProviderDescriptor struct {
	Name            string   `json:"name" yaml:"name"`
	DefaultModel    string   `json:"default_model" yaml:"default_model"`
	AvailableModels []string `json:"available_models" yaml:"available_models"`
}

// HasModel reports whether model is listed for the vendor.
func (d ProviderDescriptor) HasModel(model string) bool {
	for _, m := range d.AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

// CostEstimate is the pre-flight cost of a prompt against a model.
type CostEstimate struct {
	Provider            string `json:"provider,omitempty"`
	Model               string `json:"model"`
	InputTokens         int    `json:"input_tokens"`
	AssumedOutputTokens int    `json:"assumed_output_tokens"`
	EstimatedCredits    int64  `json:"estimated_credits"`
	// Fallback is set when the model had no pricing entry.
	Fallback bool `json:"fallback,omitempty"`
}
