// Package vcs implements the Versioned Configuration Store: a
// key->(value,version) store over rqlite offering linearizable get,
// read-modify-write with optimistic CAS, and auto-provisioning on
// first write.
//
// Grounded on _examples/original_source/logdevice/common/
// RqliteVersionedConfigStore.{h,cpp} for the algorithm, and on the
// teacher's rqlite/transaction.go and orm.go for the Go shape of a
// store type wrapping a shared client handle.
package vcs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logdevice "github.com/alissa-tung/LogDevice"
	"github.com/alissa-tung/LogDevice/codec"
	"github.com/alissa-tung/LogDevice/internal/ratelimit"
	"github.com/alissa-tung/LogDevice/rqlitestore"
)

// ExtractVersionFunc pulls the payload version out of an opaque value.
// The domain-specific encoding behind it is out of scope for this
// store; it is treated purely as a pluggable hook.
type ExtractVersionFunc func(value []byte) (version uint64, ok bool)

// MutationFunc is the caller-supplied mutation step of a
// read-modify-write. current is nil if the row does not yet exist.
// A non-OK status short-circuits the RMW; newValue is ignored then.
type MutationFunc func(current []byte, exists bool) (status logdevice.Status, newValue []byte)

// Config configures a Store.
type Config struct {
	Client         *rqlitestore.Client
	ExtractVersion ExtractVersionFunc
	Logger         logdevice.Logger

	// StrictVersionMonotonicity, when true, rejects a write whose
	// extracted payload version does not strictly exceed the previous
	// one with VERSION_MISMATCH instead of merely warning. See
	// SPEC_FULL.md §13, Open Question 3.
	StrictVersionMonotonicity bool

	// WarnWindow bounds how often the non-monotonic-version warning
	// may fire. Zero means a 10 second window.
	WarnWindow time.Duration
}

// Store is the Versioned Configuration Store.
//
// The embedded rqlite client is shared across all in-flight
// operations. Every operation acquires a read hold on mu before
// dispatching a request and keeps it through its completion; Shutdown
// sets shutdownSignaled, then acquires the write hold (blocking until
// every read hold has drained) before releasing the client. This
// mirrors the source's shutdown_signaled_ atomic<bool> plus
// folly::Synchronized<bool> pair (original_source/
// RqliteVersionedConfigStore.h).
type Store struct {
	mu               sync.RWMutex
	shutdownSignaled atomic.Bool
	client           *rqlitestore.Client

	extractVersion ExtractVersionFunc
	logger         logdevice.Logger
	strict         bool
	warnLimiter    *ratelimit.Logger
}

const vcsInsertResultIndex = 1 // INSERT is statement index 1 of the 2-statement provisioning batch.

// New builds a Store. The client is owned by the returned Store: it
// will not be touched again once Shutdown returns.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = logdevice.GetDefaultLogger()
	}
	window := cfg.WarnWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Store{
		client:         cfg.Client,
		extractVersion: cfg.ExtractVersion,
		logger:         logger,
		strict:         cfg.StrictVersionMonotonicity,
		warnLimiter:    ratelimit.New(window),
	}
}

// Identify returns a human-readable handle to this store, mirroring
// the source's identify(): "rqlite://<url>".
func (s *Store) Identify() string {
	return "rqlite://" + s.client.URL()
}

// splitKey splits "<table>/<rowKey>" into its two segments. Any other
// shape is a precondition violation.
func splitKey(key string) (table, rowKey string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("key %q must have exactly one '/' separator", key)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("key %q has an empty table or row key", key)
	}
	return parts[0], parts[1], nil
}

// acquireRead acquires a read hold and reports whether the caller may
// proceed. If shutdown has been signaled, it releases the hold and
// returns false: the caller must report StatusShutdown.
func (s *Store) acquireRead() bool {
	s.mu.RLock()
	if s.shutdownSignaled.Load() {
		s.mu.RUnlock()
		return false
	}
	return true
}

func (s *Store) releaseRead() {
	s.mu.RUnlock()
}

// Shutdown signals in-flight operations to wind down, then blocks
// until every one of them has dropped its read hold, before releasing
// the client. After Shutdown returns, no further callback fires and
// every future call returns StatusShutdown immediately.
func (s *Store) Shutdown() {
	s.shutdownSignaled.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
}

// GetLatestConfig is GetConfig with no base version.
func (s *Store) GetLatestConfig(key string) (logdevice.Status, []byte, error) {
	return s.GetConfig(key, nil)
}

// GetConfig performs a linearizable read of key, optionally filtered
// by baseVersion: if baseVersion is non-nil and the stored payload
// version does not exceed it, GetConfig returns StatusUpToDate without
// delivering the value.
func (s *Store) GetConfig(key string, baseVersion *uint64) (logdevice.Status, []byte, error) {
	if !s.acquireRead() {
		return logdevice.StatusShutdown, nil, nil
	}
	defer s.releaseRead()

	table, rowKey, err := splitKey(key)
	if err != nil {
		return logdevice.StatusInvalidParam, nil, err
	}

	value, _, status, err := s.readRow(table, rowKey)
	if status != logdevice.StatusOK {
		return status, nil, err
	}

	if baseVersion != nil {
		pv, ok := s.extractVersion(value)
		if !ok {
			return logdevice.StatusBadMsg, nil, fmt.Errorf("value at %q failed extractVersion", key)
		}
		if pv <= *baseVersion {
			return logdevice.StatusUpToDate, nil, nil
		}
	}

	return logdevice.StatusOK, value, nil
}

// readRow issues the SELECT and maps its outcome to a Status, per
// toStatus in the source: empty error + empty values -> NOT_FOUND;
// empty error + non-empty values -> OK; non-empty error matching
// "no such table" -> NOT_FOUND, else FAILED.
func (s *Store) readRow(table, rowKey string) (value []byte, rowVersion uint64, status logdevice.Status, err error) {
	stmt := fmt.Sprintf("SELECT value, version FROM %s WHERE key = '%s'", table, escapeLiteral(rowKey))
	results, err := s.client.QuerySync([]string{stmt})
	if err != nil {
		return nil, 0, logdevice.StatusFailed, logdevice.WrapGetError(err, table+"/"+rowKey, logdevice.StatusFailed)
	}
	if len(results.Results) == 0 {
		return nil, 0, logdevice.StatusFailed, fmt.Errorf("empty result set from rqlite")
	}
	r := results.Results[0]
	if r.Error != "" {
		if codec.IsNoSuchTable(r.Error) {
			return nil, 0, logdevice.StatusNotFound, nil
		}
		return nil, 0, logdevice.StatusFailed, logdevice.WrapGetError(errors.New(r.Error), table+"/"+rowKey, logdevice.StatusFailed)
	}
	if len(r.Values) == 0 {
		return nil, 0, logdevice.StatusNotFound, nil
	}

	row := r.Values[0]
	if len(row) < 2 {
		return nil, 0, logdevice.StatusInternal, fmt.Errorf("malformed row: expected 2 columns, got %d", len(row))
	}
	hexValue, _ := row[0].(string)
	decoded, err := codec.HexDecode(hexValue)
	if err != nil {
		return nil, 0, logdevice.StatusBadMsg, err
	}
	version, err := toUint64(row[1])
	if err != nil {
		return nil, 0, logdevice.StatusInternal, err
	}
	return decoded, version, logdevice.StatusOK, nil
}

// ReadModifyWrite is the two-phase RMW: read, mutate, conditionally
// write. A not-found key provisions the table and row on first write.
func (s *Store) ReadModifyWrite(key string, mutate MutationFunc) (logdevice.Status, uint64, error) {
	if !s.acquireRead() {
		return logdevice.StatusShutdown, 0, nil
	}
	defer s.releaseRead()

	table, rowKey, err := splitKey(key)
	if err != nil {
		return logdevice.StatusInvalidParam, 0, err
	}

	current, rowVersion, readStatus, err := s.readRow(table, rowKey)
	rowExists := true
	switch readStatus {
	case logdevice.StatusOK:
	case logdevice.StatusNotFound:
		rowExists = false
	default:
		return readStatus, 0, err
	}

	// Re-check shutdown after the suspension point: the read round
	// trip may have outlasted a concurrent Shutdown() call.
	if s.shutdownSignaled.Load() {
		return logdevice.StatusShutdown, 0, nil
	}

	mutationStatus, newValue := mutate(current, rowExists)
	if mutationStatus != logdevice.StatusOK {
		return mutationStatus, 0, nil
	}

	newPayloadVersion, ok := s.extractVersion(newValue)
	if !ok {
		return logdevice.StatusInvalidParam, 0, fmt.Errorf("new value for %q failed extractVersion", key)
	}

	if rowExists {
		if oldPayloadVersion, ok := s.extractVersion(current); ok && oldPayloadVersion >= newPayloadVersion {
			if s.strict {
				return logdevice.StatusVersionMismatch, 0, fmt.Errorf("payload version did not advance: %d -> %d", oldPayloadVersion, newPayloadVersion)
			}
			if s.warnLimiter.Allow() {
				s.logger.Warn("non-monotonic payload version",
					logdevice.String("key", key),
					logdevice.Int64("old", int64(oldPayloadVersion)),
					logdevice.Int64("new", int64(newPayloadVersion)))
			}
		}
		return s.writeExisting(table, rowKey, rowVersion, newValue, newPayloadVersion)
	}
	return s.writeNew(table, rowKey, newValue, newPayloadVersion)
}

// writeExisting issues the CAS UPDATE for a row known to exist.
func (s *Store) writeExisting(table, rowKey string, rowVersion uint64, newValue []byte, newPayloadVersion uint64) (logdevice.Status, uint64, error) {
	stmt := fmt.Sprintf(
		"UPDATE %s SET value = '%s', version = version + 1 WHERE key = '%s' AND version = %d",
		table, codec.HexEncode(newValue), escapeLiteral(rowKey), rowVersion,
	)
	results, err := s.client.ExecuteSync([]string{stmt}, false)
	if err != nil {
		return logdevice.StatusFailed, 0, logdevice.WrapRMWError(err, table+"/"+rowKey, logdevice.StatusFailed)
	}
	if len(results.Results) != 1 {
		return logdevice.StatusInternal, 0, fmt.Errorf("expected 1 result, got %d", len(results.Results))
	}
	r := results.Results[0]
	if r.Error != "" {
		return logdevice.StatusFailed, 0, logdevice.WrapRMWError(errors.New(r.Error), table+"/"+rowKey, logdevice.StatusFailed)
	}
	switch r.RowsAffected {
	case 0:
		return logdevice.StatusVersionMismatch, 0, nil
	case 1:
		return logdevice.StatusOK, newPayloadVersion, nil
	default:
		return logdevice.StatusInternal, 0, fmt.Errorf("rows_affected=%d on a primary-key match", r.RowsAffected)
	}
}

// writeNew provisions the table and inserts the row in one
// transactional batch: CREATE TABLE IF NOT EXISTS; INSERT … VERSION 0.
// A UNIQUE-constraint error on the INSERT (statement index
// vcsInsertResultIndex) means a concurrent creator won the race.
func (s *Store) writeNew(table, rowKey string, newValue []byte, newPayloadVersion uint64) (logdevice.Status, uint64, error) {
	createStmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT, version INTEGER) STRICT",
		table,
	)
	insertStmt := fmt.Sprintf(
		"INSERT INTO %s (key, value, version) VALUES ('%s', '%s', 0)",
		table, escapeLiteral(rowKey), codec.HexEncode(newValue),
	)

	results, err := s.client.ExecuteSync([]string{createStmt, insertStmt}, true)
	if err != nil {
		return logdevice.StatusFailed, 0, logdevice.WrapProvisionError(err, table+"/"+rowKey, logdevice.StatusFailed)
	}
	if len(results.Results) <= vcsInsertResultIndex {
		return logdevice.StatusInternal, 0, fmt.Errorf("expected at least %d results, got %d", vcsInsertResultIndex+1, len(results.Results))
	}

	insertResult := results.Results[vcsInsertResultIndex]
	if insertResult.Error != "" {
		if codec.IsUniqueViolation(insertResult.Error) {
			return logdevice.StatusVersionMismatch, 0, nil
		}
		return logdevice.StatusFailed, 0, logdevice.WrapProvisionError(errors.New(insertResult.Error), table+"/"+rowKey, logdevice.StatusFailed)
	}
	if insertResult.RowsAffected != 1 {
		return logdevice.StatusInternal, 0, fmt.Errorf("rows_affected=%d on provisioning insert", insertResult.RowsAffected)
	}
	return logdevice.StatusOK, newPayloadVersion, nil
}

// escapeLiteral escapes single quotes for embedding a value in a SQL
// text literal built by hand (no parameterized-statement path is used
// here, matching original_source's own literal-embedding approach).
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case float64:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected version type %T", v)
	}
}
