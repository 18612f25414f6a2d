package iris

import "time"

const (
	ProductionURL = "https://iris-api.circle.com"
	SandboxURL    = "https://iris-api-sandbox.circle.com"

	// DefaultRequestsPerSecond stays under the service's 35 req/s limit per client.
	DefaultRequestsPerSecond = 35

	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
)
