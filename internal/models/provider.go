package models

import "time"

// ProviderDescriptor is the static load balancing configuration of a provider
type ProviderDescriptor struct {
	Name          string  `json:"name"`
	Priority      int     `json:"priority"`
	Weight        float64 `json:"weight"`
	MaxConcurrent int     `json:"maxConcurrent"`
	Reliability   float64 `json:"reliability"`
}

// ProviderStatus is a snapshot of a provider's descriptor and runtime counters
type ProviderStatus struct {
	ProviderDescriptor
	CurrentLoad  int       `json:"currentLoad"`
	FailureCount int       `json:"failureCount"`
	LastUsed     time.Time `json:"lastUsed"`
	Available    bool      `json:"available"`
}

// ConnectionResult is the outcome of a connectivity probe against one provider
type ConnectionResult struct {
	Provider  string `json:"provider"`
	Connected bool   `json:"connected"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// ConnectionReport summarises a connectivity probe against all providers
type ConnectionReport struct {
	Connected int                `json:"connected"`
	Total     int                `json:"total"`
	Results   []ConnectionResult `json:"results"`
}
