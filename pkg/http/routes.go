package http

// Names of the routes of the daemon's API, shared by the router, the
// handlers and the client.
const (
	Ping    = "Ping"
	Version = "Version"

	Webhook = "Webhook"
	RunStep = "RunStep"

	ListExecutions  = "ListExecutions"
	ExecutionStatus = "ExecutionStatus"
	JobStatus       = "JobStatus"
)

// Headers Bitbucket sets on webhook deliveries.
const (
	EventKeyHeader  = "X-Event-Key"
	SignatureHeader = "X-Hub-Signature"
)
