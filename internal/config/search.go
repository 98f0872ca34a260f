package config

import "time"

// SearchConfig configures the web search backend and page fetcher used by
// the web_search task handler.
type SearchConfig struct {
	// BaseURL is the SearXNG instance queried for results.
	BaseURL string `mapstructure:"base_url" json:"base_url"`

	// MaxResults caps results per search.
	MaxResults int `mapstructure:"max_results" json:"max_results"`

	// Fetcher politeness settings.
	FetchParallelism int `mapstructure:"fetch_parallelism" json:"fetch_parallelism"`
	FetchDelayMs     int `mapstructure:"fetch_delay_ms" json:"fetch_delay_ms"`
	FetchTimeoutMs   int `mapstructure:"fetch_timeout_ms" json:"fetch_timeout_ms"`
}

// FetchDelay returns FetchDelayMs as a duration.
func (s SearchConfig) FetchDelay() time.Duration {
	return time.Duration(s.FetchDelayMs) * time.Millisecond
}

// FetchTimeout returns FetchTimeoutMs as a duration.
func (s SearchConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutMs) * time.Millisecond
}

// OtelConfig configures OTLP trace export.
// An empty Endpoint disables tracing entirely.
type OtelConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}
