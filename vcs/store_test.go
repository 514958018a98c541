package vcs

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logdevice "github.com/alissa-tung/LogDevice"
	"github.com/alissa-tung/LogDevice/rqlitestore"
)

// fakeRqlite is a minimal in-memory rqlite stand-in good enough to
// drive the VCS's CAS protocol end to end, the way httptest.Server is
// used across the ecosystem to stand in for a real HTTP dependency.
type fakeRqlite struct {
	mu     sync.Mutex
	tables map[string]map[string][2]string // table -> key -> (hexValue, version)
}

func newFakeRqlite() *fakeRqlite {
	return &fakeRqlite{tables: make(map[string]map[string][2]string)}
}

func (f *fakeRqlite) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stmts []string
		json.NewDecoder(r.Body).Decode(&stmts)

		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.URL.Path {
		case rqlitestore.EndpointQuery:
			json.NewEncoder(w).Encode(rqlitestore.QueryResults{Results: []rqlitestore.QueryResult{f.query(stmts[0])}})
		case rqlitestore.EndpointExecute:
			results := make([]rqlitestore.ExecuteResult, len(stmts))
			for i, s := range stmts {
				results[i] = f.exec(s)
			}
			json.NewEncoder(w).Encode(rqlitestore.ExecuteResults{Results: results})
		}
	}
}

func (f *fakeRqlite) query(stmt string) rqlitestore.QueryResult {
	table, key := parseSelect(stmt)
	rows, ok := f.tables[table]
	if !ok {
		return rqlitestore.QueryResult{Error: "no such table: " + table}
	}
	row, ok := rows[key]
	if !ok {
		return rqlitestore.QueryResult{Columns: []string{"value", "version"}}
	}
	var version float64
	fmt.Sscanf(row[1], "%f", &version)
	return rqlitestore.QueryResult{
		Columns: []string{"value", "version"},
		Values:  [][]interface{}{{row[0], version}},
	}
}

func (f *fakeRqlite) exec(stmt string) rqlitestore.ExecuteResult {
	switch {
	case strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS"):
		table := parseCreateTable(stmt)
		if _, ok := f.tables[table]; !ok {
			f.tables[table] = make(map[string][2]string)
		}
		return rqlitestore.ExecuteResult{RowsAffected: 0}
	case strings.HasPrefix(stmt, "INSERT INTO"):
		table, key, value := parseInsert(stmt)
		rows := f.tables[table]
		if _, exists := rows[key]; exists {
			return rqlitestore.ExecuteResult{Error: "UNIQUE constraint failed: " + table + ".key"}
		}
		rows[key] = [2]string{value, "0"}
		return rqlitestore.ExecuteResult{RowsAffected: 1}
	case strings.HasPrefix(stmt, "UPDATE"):
		table, key, value, expectedVersion := parseUpdate(stmt)
		rows, ok := f.tables[table]
		if !ok {
			return rqlitestore.ExecuteResult{Error: "no such table: " + table}
		}
		row, ok := rows[key]
		if !ok || row[1] != expectedVersion {
			return rqlitestore.ExecuteResult{RowsAffected: 0}
		}
		var v int
		fmt.Sscanf(row[1], "%d", &v)
		rows[key] = [2]string{value, fmt.Sprintf("%d", v+1)}
		return rqlitestore.ExecuteResult{RowsAffected: 1}
	}
	return rqlitestore.ExecuteResult{Error: "unrecognized statement: " + stmt}
}

// Tiny hand-rolled parsers: good enough for the fixed statement shapes
// the store itself generates (see vcs/store.go), not a general SQL parser.

func parseSelect(stmt string) (table, key string) {
	fields := strings.Fields(stmt)
	table = fields[4]
	start := strings.Index(stmt, "key = '") + len("key = '")
	end := strings.LastIndex(stmt, "'")
	key = stmt[start:end]
	return table, key
}

func parseCreateTable(stmt string) string {
	fields := strings.Fields(stmt)
	return fields[5]
}

func parseInsert(stmt string) (table, key, value string) {
	fields := strings.Fields(stmt)
	table = fields[2]
	start := strings.Index(stmt, "VALUES (") + len("VALUES (")
	rest := stmt[start:]
	parts := strings.SplitN(rest, ", ", 3)
	key = strings.Trim(parts[0], "'")
	value = strings.Trim(parts[1], "'")
	return table, key, value
}

func parseUpdate(stmt string) (table, key, value, expectedVersion string) {
	fields := strings.Fields(stmt)
	table = fields[1]
	valueStart := strings.Index(stmt, "value = '") + len("value = '")
	valueEnd := strings.Index(stmt[valueStart:], "'") + valueStart
	value = stmt[valueStart:valueEnd]
	keyStart := strings.Index(stmt, "key = '") + len("key = '")
	keyEnd := strings.Index(stmt[keyStart:], "'") + keyStart
	key = stmt[keyStart:keyEnd]
	versionStart := strings.LastIndex(stmt, "version = ") + len("version = ")
	expectedVersion = stmt[versionStart:]
	return table, key, value, expectedVersion
}

func extractVersionBigEndian(value []byte) (uint64, bool) {
	if len(value) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(value), true
}

func versionBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fake := newFakeRqlite()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := rqlitestore.NewClient(rqlitestore.NewConfig(srv.URL))
	return New(Config{Client: client, ExtractVersion: extractVersionBigEndian})
}

func TestFirstWriteThenRead(t *testing.T) {
	s := newTestStore(t)

	status, pv, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		if exists {
			t.Fatal("expected row not to exist yet")
		}
		return logdevice.StatusOK, versionBytes(1)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusOK || pv != 1 {
		t.Fatalf("got status=%v pv=%d, want OK/1", status, pv)
	}

	readStatus, value, err := s.GetLatestConfig("t1/k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readStatus != logdevice.StatusOK {
		t.Fatalf("got status=%v, want OK", readStatus)
	}
	if got, _ := extractVersionBigEndian(value); got != 1 {
		t.Fatalf("got payload version %d, want 1", got)
	}
}

func TestSuccessfulCASUpdate(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		return logdevice.StatusOK, versionBytes(1)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, pv, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		if !exists {
			t.Fatal("expected row to exist")
		}
		return logdevice.StatusOK, versionBytes(2)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusOK || pv != 2 {
		t.Fatalf("got status=%v pv=%d, want OK/2", status, pv)
	}
}

func TestStaleUpdateYieldsVersionMismatch(t *testing.T) {
	fake := newFakeRqlite()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := rqlitestore.NewClient(rqlitestore.NewConfig(srv.URL))
	s := New(Config{Client: client, ExtractVersion: extractVersionBigEndian})

	if _, _, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		return logdevice.StatusOK, versionBytes(1)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reader A has observed version 0; writer B now advances the row to
	// version 1 before A's stale CAS is replayed below.
	if _, _, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		return logdevice.StatusOK, versionBytes(2)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate A's stale write by directly issuing the CAS UPDATE that
	// assumes the row is still at version 0.
	results, err := client.ExecuteSync([]string{
		"UPDATE t1 SET value = '0000000000000003', version = version + 1 WHERE key = 'k1' AND version = 0",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results.Results[0].RowsAffected != 0 {
		t.Fatalf("expected stale CAS to affect 0 rows, got %d", results.Results[0].RowsAffected)
	}

	// The store's own CAS write path maps that zero-row outcome to
	// VERSION_MISMATCH.
	status, _, err := s.writeExisting("t1", "k1", 0, versionBytes(3), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusVersionMismatch {
		t.Fatalf("got status=%v, want VERSION_MISMATCH", status)
	}
}

func TestLostRaceOnProvisioning(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	statuses := make([]logdevice.Status, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, err := s.ReadModifyWrite("t1/k2", func(current []byte, exists bool) (logdevice.Status, []byte) {
				return logdevice.StatusOK, versionBytes(1)
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			statuses[i] = status
		}(i)
	}
	wg.Wait()

	okCount, mismatchCount := 0, 0
	for _, s := range statuses {
		switch s {
		case logdevice.StatusOK:
			okCount++
		case logdevice.StatusVersionMismatch:
			mismatchCount++
		}
	}
	if okCount != 1 || mismatchCount != 1 {
		t.Fatalf("expected exactly one OK and one VERSION_MISMATCH, got OK=%d MISMATCH=%d", okCount, mismatchCount)
	}
}

func TestGetConfigNotFound(t *testing.T) {
	s := newTestStore(t)
	status, _, err := s.GetLatestConfig("t1/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusNotFound {
		t.Fatalf("got status=%v, want NOT_FOUND", status)
	}
}

func TestGetConfigUpToDate(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.ReadModifyWrite("t1/k1", func(current []byte, exists bool) (logdevice.Status, []byte) {
		return logdevice.StatusOK, versionBytes(5)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base := uint64(5)
	status, _, err := s.GetConfig("t1/k1", &base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusUpToDate {
		t.Fatalf("got status=%v, want UP_TO_DATE", status)
	}
}

func TestSplitKeyValidation(t *testing.T) {
	if _, _, err := splitKey("a/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := splitKey("a"); err == nil {
		t.Fatal("expected error for key with no separator")
	}
	if _, _, err := splitKey("a/b/c"); err == nil {
		t.Fatal("expected error for key with two separators")
	}
}

func TestShutdownRejectsFurtherCalls(t *testing.T) {
	s := newTestStore(t)
	s.Shutdown()

	status, _, err := s.GetLatestConfig("t1/k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != logdevice.StatusShutdown {
		t.Fatalf("got status=%v, want SHUTDOWN", status)
	}
}
