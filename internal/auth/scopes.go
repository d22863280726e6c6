package auth

// Known OAuth scopes used by the adherence service.
const (
	ScopeEventsRead     = "events:read"
	ScopeEventsWrite    = "events:write"
	ScopeSchedulesRead  = "schedules:read"
	ScopeSchedulesWrite = "schedules:write"
	ScopeAdherenceRead  = "adherence:read"
	ScopeAdherenceWrite = "adherence:write"
)
