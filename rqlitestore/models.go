// Package rqlitestore is the hand-rolled rqlite HTTP client: it POSTs
// SQL statement batches to /db/execute and /db/query and decodes the
// typed result envelopes rqlite returns. It is the "hard part" this
// module builds from scratch rather than through the official
// github.com/rqlite/gorqlite client (see admin/ for the latter,
// wired in for cluster introspection instead).
package rqlitestore

import (
	"net/http"
	"time"
)

const (
	// EndpointExecute is rqlite's write endpoint.
	EndpointExecute = "/db/execute"
	// EndpointQuery is rqlite's read endpoint.
	EndpointQuery = "/db/query"

	// DefaultTimeout is the HTTP client timeout used when Config.Timeout
	// is left at its zero value.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryTimeout is the pause between retried requests.
	DefaultRetryTimeout = 2 * time.Second
	// DefaultMaxRetries is the number of attempts made per request.
	DefaultMaxRetries = 3

	// connectionErrorMessage is synthesized for a result when the HTTP
	// round trip itself fails (non-200 or transport error), per the
	// client's failure model.
	connectionErrorMessage = "connection error"
)

// Config holds the connection parameters for a Client.
type Config struct {
	// BaseURL is the rqlite node's address, e.g. "http://localhost:4001".
	// This is the Go-native rendering of the cluster descriptor's rqlite
	// endpoint URI: the "ip" scheme's comma-joined host:port list,
	// used verbatim.
	BaseURL string

	// Consistency is rqlite's read consistency level: "none", "weak",
	// or "strong". Empty means rqlite's own default.
	Consistency string

	// Username/Password are optional HTTP basic auth credentials.
	Username string
	Password string

	// Timeout bounds each HTTP round trip. Zero means DefaultTimeout.
	Timeout time.Duration

	// RetryCount is how many attempts sendRequest makes before giving
	// up. Zero means DefaultMaxRetries.
	RetryCount int

	// RetryTimeout is the pause between attempts. Zero means
	// DefaultRetryTimeout.
	RetryTimeout time.Duration
}

// NewConfig fills zero-valued fields with the package defaults, the
// way the teacher's NewDatabase constructors do.
func NewConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      DefaultTimeout,
		RetryCount:   DefaultMaxRetries,
		RetryTimeout: DefaultRetryTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultMaxRetries
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	return c
}

// Client is the rqlite HTTP client shared by the VCS and Epoch Store.
// Its lifetime is managed by its owner behind a readers-writer hold
// (see vcs.Store / epochstore.Store); Client itself is a plain,
// concurrency-safe HTTP wrapper with no shutdown state of its own.
type Client struct {
	config     Config
	httpClient *http.Client
}

// ExecuteResult is one statement's outcome from /db/execute.
type ExecuteResult struct {
	LastInsertID int     `json:"last_insert_id"`
	RowsAffected int     `json:"rows_affected"`
	Time         float64 `json:"time"`
	Error        string  `json:"error,omitempty"`
}

// ExecuteResults is the whole /db/execute response envelope.
type ExecuteResults struct {
	Results []ExecuteResult `json:"results"`
	Time    float64         `json:"time"`
}

// QueryResult is one statement's outcome from /db/query.
type QueryResult struct {
	Columns []string        `json:"columns"`
	Types   []string        `json:"types"`
	Values  [][]interface{} `json:"values"`
	Time    float64         `json:"time"`
	Error   string          `json:"error,omitempty"`
}

// QueryResults is the whole /db/query response envelope.
type QueryResults struct {
	Results []QueryResult `json:"results"`
	Time    float64       `json:"time"`
}

// ExecuteCallback receives the outcome of an asynchronous Execute.
type ExecuteCallback func(ExecuteResults, error)

// QueryCallback receives the outcome of an asynchronous Query.
type QueryCallback func(QueryResults, error)
