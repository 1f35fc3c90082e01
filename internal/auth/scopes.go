package auth

// Known OAuth scopes used by the sync service.
const (
	ScopeMetricsRead = "metrics:read"
	ScopeSyncTrigger = "sync:trigger"
	ScopeAdminStats  = "admin:stats"
)
