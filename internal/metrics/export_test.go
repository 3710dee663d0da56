package metrics

// Collectors exposed to the external test package.
var (
	HTTPRequestsTotal          = &httpRequestsTotal
	HTTPRequestDurationSeconds = &httpRequestDurationSeconds
)
