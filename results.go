package datasync

// ServiceResponse captures the server's answer to one failed request so
// the caller can inspect or resolve it. Body holds the authoritative
// entity on 409 and 412 responses. Err is set for transport failures
// that never produced a status code.
type ServiceResponse struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Conflict reports whether the response is an optimistic-concurrency
// conflict carrying the server's current entity.
func (r *ServiceResponse) Conflict() bool {
	return r.StatusCode == 409 || r.StatusCode == 412
}

// PushResult summarizes one push: how many queued operations completed
// and, per item id, the response for each that failed.
type PushResult struct {
	CompletedOperations int
	FailedRequests      map[string]*ServiceResponse
}

// IsSuccessful reports whether every dispatched operation completed.
func (r *PushResult) IsSuccessful() bool {
	return len(r.FailedRequests) == 0
}

// PullResult summarizes one pull: items fetched from the server, items
// applied locally and, per query id, the response for each request that
// failed.
type PullResult struct {
	ItemsFetched   int
	ItemsApplied   int
	FailedRequests map[string]*ServiceResponse
}

// IsSuccessful reports whether every pull request drained its pages.
func (r *PullResult) IsSuccessful() bool {
	return len(r.FailedRequests) == 0
}

// SyncResult pairs the push and pull halves of a Synchronize call.
type SyncResult struct {
	Push *PushResult
	Pull *PullResult
}

// IsSuccessful reports whether both phases succeeded.
func (r *SyncResult) IsSuccessful() bool {
	return r.Push.IsSuccessful() && r.Pull.IsSuccessful()
}
