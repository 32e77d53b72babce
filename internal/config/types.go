package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Option names. Values are case-sensitive strings; custom module variables
// use the "<ROLE-MODULE>.<name>" form and are passed to the module verbatim.
const (
	OptionsFile = "OPTIONS-FILE"

	XCCConnectionURI = "XCC-CONNECTION-URI"
	XCCUsername      = "XCC-USERNAME"
	XCCPassword      = "XCC-PASSWORD"
	XCCHostname      = "XCC-HOSTNAME"
	XCCPort          = "XCC-PORT"
	XCCDBName        = "XCC-DBNAME"

	XCCConnectionRetryLimit    = "XCC-CONNECTION-RETRY-LIMIT"
	XCCConnectionRetryInterval = "XCC-CONNECTION-RETRY-INTERVAL"
	XCCBreakerThreshold        = "XCC-CONNECTION-BREAKER-THRESHOLD"

	Decrypter = "DECRYPTER"
	SSLConfig = "SSL-CONFIG"
	SSLCAFile = "SSL-CA-FILE"

	CollectionName     = "COLLECTION-NAME"
	ModuleRoot         = "MODULE-ROOT"
	InitModule         = "INIT-MODULE"
	URIsModule         = "URIS-MODULE"
	URIsFile           = "URIS-FILE"
	PreBatchModule     = "PRE-BATCH-MODULE"
	ProcessModule      = "PROCESS-MODULE"
	XQueryModule       = "XQUERY-MODULE"
	PostBatchModule    = "POST-BATCH-MODULE"
	URIsReplacePattern = "URIS-REPLACE-PATTERN"
	MaxOptsFromModule  = "MAX-OPTS-FROM-MODULE"

	ThreadCount   = "THREAD-COUNT"
	BatchSize     = "BATCH-SIZE"
	BatchURIDelim = "BATCH-URI-DELIM"
	FailOnError   = "FAIL-ON-ERROR"

	ExportFileDir  = "EXPORT-FILE-DIR"
	ExportFileName = "EXPORT-FILE-NAME"
	ErrorFileName  = "ERROR-FILE-NAME"

	CommandFile             = "COMMAND-FILE"
	CommandFilePollInterval = "COMMAND-FILE-POLL-INTERVAL"
	Command                 = "COMMAND"

	DiskQueueMaxInMemorySize = "DISK-QUEUE-MAX-IN-MEMORY-SIZE"
	DiskQueueTempDir         = "DISK-QUEUE-TEMP-DIR"

	MonitorInterval = "MONITOR-INTERVAL"

	// URIsBatchRef is the variable name under which the batch reference
	// reported by the URIs module is bound into every task.
	URIsBatchRef = "URIS_BATCH_REF"
)

// ErrMissingOption is returned when a required option has no value.
var ErrMissingOption = errors.New("missing required option")

// values is the read-only accessor set shared by Options and Snapshot.
type values map[string]string

// Lookup returns the trimmed value for key.
func (v values) Lookup(key string) (string, bool) {
	s, ok := v[key]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Get returns the trimmed value for key or "".
func (v values) Get(key string) string {
	s, _ := v.Lookup(key)
	return s
}

// Int parses key as an integer. An absent or empty value yields def.
func (v values) Int(key string, def int) (int, error) {
	s := v.Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}

// Bool parses key as a boolean. Unparseable values yield def.
func (v values) Bool(key string, def bool) bool {
	s := v.Get(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// Seconds reads key as a whole number of seconds.
func (v values) Seconds(key string, def time.Duration) (time.Duration, error) {
	n, err := v.Int(key, -1)
	if err != nil {
		return def, err
	}
	if n < 0 {
		return def, nil
	}
	return time.Duration(n) * time.Second, nil
}

// Keys returns all option names in sorted order.
func (v values) Keys() []string {
	return slices.Sorted(maps.Keys(v))
}

// Options is the mutable option set used while a job is being configured.
type Options struct {
	values
}

// NewOptions returns an option set holding only the built-in defaults.
func NewOptions() *Options {
	o := &Options{values: make(values)}
	for k, val := range Defaults() {
		o.values[k] = val
	}
	return o
}

// FromMap builds options from defaults overlaid with m.
func FromMap(m map[string]string) *Options {
	o := NewOptions()
	o.Merge(m)
	o.normalize()
	return o
}

// Set stores value under key.
func (o *Options) Set(key, value string) {
	o.values[key] = value
}

// Delete removes key.
func (o *Options) Delete(key string) {
	delete(o.values, key)
}

// Merge overlays m onto the options.
func (o *Options) Merge(m map[string]string) {
	for k, val := range m {
		o.values[k] = val
	}
}

// Map returns a copy of all options.
func (o *Options) Map() map[string]string {
	return maps.Clone(map[string]string(o.values))
}

// normalize maps the legacy XQUERY-MODULE names onto PROCESS-MODULE.
func (o *Options) normalize() {
	if o.Get(ProcessModule) == "" {
		if xq := o.Get(XQueryModule); xq != "" {
			o.values[ProcessModule] = xq
		}
	}
	prefix := XQueryModule + "."
	for k, val := range o.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		target := ProcessModule + "." + strings.TrimPrefix(k, prefix)
		if _, ok := o.values[target]; !ok {
			o.values[target] = val
		}
	}
}

// Validate checks the options a job cannot start without.
func (o *Options) Validate() error {
	var errs []error
	if o.Get(XCCConnectionURI) == "" && o.Get(XCCHostname) == "" {
		errs = append(errs, fmt.Errorf("%w: %s or %s", ErrMissingOption, XCCConnectionURI, XCCHostname))
	}
	if o.Get(ProcessModule) == "" {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissingOption, ProcessModule))
	}
	for _, key := range []string{ThreadCount, BatchSize} {
		n, err := o.Int(key, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n < 1 {
			errs = append(errs, fmt.Errorf("option %s must be positive, got %d", key, n))
		}
	}
	for _, key := range []string{XCCConnectionRetryLimit, XCCConnectionRetryInterval, DiskQueueMaxInMemorySize, MaxOptsFromModule} {
		if _, err := o.Int(key, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot freezes the current options. The snapshot is what tasks read
// for the lifetime of a job; later changes to o are not visible through it.
func (o *Options) Snapshot() Snapshot {
	frozen := values(maps.Clone(map[string]string(o.values)))
	roles := make(map[string]map[string]string)
	for k, val := range frozen {
		i := strings.IndexByte(k, '.')
		if i <= 0 || i == len(k)-1 {
			continue
		}
		role, name := k[:i], k[i+1:]
		if roles[role] == nil {
			roles[role] = make(map[string]string)
		}
		roles[role][name] = strings.TrimSpace(val)
	}
	return Snapshot{values: frozen, roleVars: roles}
}

// Snapshot is an immutable view of the job options.
type Snapshot struct {
	values
	roleVars map[string]map[string]string
}

// RoleVariables returns the custom variables configured for a module role
// prefix such as PROCESS-MODULE: every "<prefix>.<name>" option as name→value.
func (s Snapshot) RoleVariables(prefix string) map[string]string {
	return maps.Clone(s.roleVars[prefix])
}
