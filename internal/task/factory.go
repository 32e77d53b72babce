package task

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
)

// DefaultBatchDelim joins the URIs of a batch into the URI variable.
const DefaultBatchDelim = ";"

// Factory builds tasks for one job. Module requests and role variables are
// resolved once from the job snapshot.
type Factory struct {
	source   client.ContentSource
	sink     Sink
	retry    RetryPolicy
	delim    string
	logger   *slog.Logger
	requests map[Role]client.Request
}

// NewFactory resolves every configured role module in snap.
func NewFactory(src client.ContentSource, snap config.Snapshot, sink Sink, logger *slog.Logger) (*Factory, error) {
	retry, err := RetryPolicyFrom(snap)
	if err != nil {
		return nil, err
	}
	delim := snap.Get(config.BatchURIDelim)
	if delim == "" {
		delim = DefaultBatchDelim
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Factory{
		source:   src,
		sink:     sink,
		retry:    retry,
		delim:    delim,
		logger:   logger,
		requests: make(map[Role]client.Request),
	}

	root := snap.Get(config.ModuleRoot)
	batchRef, hasBatchRef := snap.Lookup(config.URIsBatchRef)
	for _, role := range Roles {
		ref := snap.Get(role.Option())
		if ref == "" {
			continue
		}
		req, err := client.ModuleRequest(ref, root)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role.Option(), err)
		}
		vars := snap.RoleVariables(role.Option())
		if vars == nil {
			vars = make(map[string]string)
		}
		if hasBatchRef && batchRef != "" {
			vars[config.URIsBatchRef] = batchRef
		}
		req.Variables = vars
		f.requests[role] = req
	}
	return f, nil
}

// Has reports whether a module is configured for role.
func (f *Factory) Has(role Role) bool {
	_, ok := f.requests[role]
	return ok
}

// Retry returns the job's retry policy.
func (f *Factory) Retry() RetryPolicy { return f.retry }

// New returns a task for role over uris, or false when the role has no
// module.
func (f *Factory) New(role Role, uris []string) (*Task, bool) {
	req, ok := f.requests[role]
	if !ok {
		return nil, false
	}
	req.Variables = maps.Clone(req.Variables)
	return &Task{
		Role:    role,
		Request: req,
		URIs:    uris,
		Delim:   f.delim,
		Source:  f.source,
		Sink:    f.sink,
		Retry:   f.retry,
		Logger:  f.logger,
	}, true
}
