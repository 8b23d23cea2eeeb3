package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// PagingMode selects the list response shape of MockMailboxAPI.
type PagingMode int

const (
	// PagingOffset returns bare JSON arrays and honours ?skip=.
	PagingOffset PagingMode = iota
	// PagingCursor returns {"items": [...], "next_starting_after": id}.
	PagingCursor
)

// MailboxAPIConfig configures the mock mailbox API.
type MailboxAPIConfig struct {
	Token  string
	Paging PagingMode
	// RepeatAcrossPages repeats the last record of every page at the start
	// of the next one, as a flaky backend would.
	RepeatAcrossPages bool
	// OpaqueWrites answers successful writes with a text/plain body.
	OpaqueWrites bool
	// DropFields are silently discarded on every write.
	DropFields []string
	// FailWrite, when set, returns a non-zero status to fail a write with.
	FailWrite func(method, id string, body map[string]any) int
}

// MockMailboxAPI is an in-memory record collection served over HTTP.
type MockMailboxAPI struct {
	config  MailboxAPIConfig
	server  *httptest.Server
	records []map[string]any
	nextID  int
	clock   time.Time

	requests []string
	mu       sync.Mutex
}

// NewMockMailboxAPI creates and starts the server.
func NewMockMailboxAPI(config MailboxAPIConfig) *MockMailboxAPI {
	if config.Token == "" {
		config.Token = "test-token"
	}
	m := &MockMailboxAPI{
		config: config,
		nextID: 1,
		clock:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	r := mux.NewRouter()
	r.Use(m.authenticate)
	r.HandleFunc("/accounts", m.list).Methods(http.MethodGet)
	r.HandleFunc("/accounts", m.create).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", m.update).Methods(http.MethodPatch, http.MethodPut, http.MethodPost)
	r.HandleFunc("/accounts/{id}", m.remove).Methods(http.MethodDelete)

	m.server = httptest.NewServer(r)
	return m
}

// URL returns the server base URL.
func (m *MockMailboxAPI) URL() string { return m.server.URL }

// Token returns the accepted bearer token.
func (m *MockMailboxAPI) Token() string { return m.config.Token }

// Close stops the server.
func (m *MockMailboxAPI) Close() { m.server.Close() }

// Seed inserts records as-is, assigning an id and creation time when
// missing. It returns the ids in insertion order.
func (m *MockMailboxAPI) Seed(records ...map[string]any) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		stored := m.stamp(copyMap(rec))
		m.records = append(m.records, stored)
		ids = append(ids, stored["id"].(string))
	}
	return ids
}

// Records returns a snapshot of the stored records.
func (m *MockMailboxAPI) Records() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.records))
	for i, r := range m.records {
		out[i] = copyMap(r)
	}
	return out
}

// CountRequests returns how many requests used method.
func (m *MockMailboxAPI) CountRequests(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if len(r) > len(method) && r[:len(method)+1] == method+" " {
			n++
		}
	}
	return n
}

// Requests returns "METHOD path" for every request received.
func (m *MockMailboxAPI) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// ResetRequests clears the request log.
func (m *MockMailboxAPI) ResetRequests() {
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

func (m *MockMailboxAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Method+" "+r.URL.Path)
		m.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+m.config.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockMailboxAPI) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	switch m.config.Paging {
	case PagingCursor:
		if after := q.Get("starting_after"); after != "" {
			start = len(m.records)
			for i, rec := range m.records {
				if rec["id"] == after {
					start = i + 1
					break
				}
			}
		}
	default:
		start, _ = strconv.Atoi(q.Get("skip"))
	}
	if start > len(m.records) {
		start = len(m.records)
	}
	// overlapping pages start one record early
	if m.config.RepeatAcrossPages && start > 0 {
		start--
	}
	end := start + limit
	if end > len(m.records) {
		end = len(m.records)
	}

	items := make([]map[string]any, 0, end-start)
	for _, rec := range m.records[start:end] {
		items = append(items, copyMap(rec))
	}

	if m.config.Paging == PagingCursor {
		envelope := map[string]any{"items": items}
		if end < len(m.records) && end > start {
			envelope["next_starting_after"] = m.records[end-1]["id"]
		}
		writeJSON(w, http.StatusOK, envelope)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (m *MockMailboxAPI) create(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if status := m.failWrite(r.Method, "", body); status != 0 {
		writeJSON(w, status, map[string]string{"error": "write rejected"})
		return
	}

	m.mu.Lock()
	m.dropFields(body)
	delete(body, "id")
	stored := m.stamp(body)
	m.records = append(m.records, stored)
	out := copyMap(stored)
	m.mu.Unlock()

	m.writeResult(w, http.StatusCreated, out)
}

func (m *MockMailboxAPI) update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if status := m.failWrite(r.Method, id, body); status != 0 {
		writeJSON(w, status, map[string]string{"error": "write rejected"})
		return
	}

	m.mu.Lock()
	i := m.indexOf(id)
	if i < 0 {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "account not found"})
		return
	}
	m.dropFields(body)
	delete(body, "id")
	if r.Method == http.MethodPut {
		replaced := map[string]any{"id": id, "timestamp_created": m.records[i]["timestamp_created"]}
		for k, v := range body {
			replaced[k] = v
		}
		m.records[i] = replaced
	} else {
		for k, v := range body {
			m.records[i][k] = v
		}
	}
	out := copyMap(m.records[i])
	m.mu.Unlock()

	m.writeResult(w, http.StatusOK, out)
}

func (m *MockMailboxAPI) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if status := m.failWrite(r.Method, id, nil); status != 0 {
		writeJSON(w, status, map[string]string{"error": "write rejected"})
		return
	}

	m.mu.Lock()
	i := m.indexOf(id)
	if i < 0 {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "account not found"})
		return
	}
	m.records = append(m.records[:i], m.records[i+1:]...)
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (m *MockMailboxAPI) writeResult(w http.ResponseWriter, status int, rec map[string]any) {
	if m.config.OpaqueWrites {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		io.WriteString(w, "OK")
		return
	}
	writeJSON(w, status, rec)
}

func (m *MockMailboxAPI) failWrite(method, id string, body map[string]any) int {
	if m.config.FailWrite == nil {
		return 0
	}
	return m.config.FailWrite(method, id, body)
}

// stamp assigns an id and creation time. Callers hold mu.
func (m *MockMailboxAPI) stamp(rec map[string]any) map[string]any {
	if _, ok := rec["id"]; !ok {
		rec["id"] = fmt.Sprintf("acc_%04d", m.nextID)
		m.nextID++
	}
	if _, ok := rec["timestamp_created"]; !ok {
		m.clock = m.clock.Add(time.Minute)
		rec["timestamp_created"] = m.clock.Format(time.RFC3339)
	}
	return rec
}

func (m *MockMailboxAPI) dropFields(body map[string]any) {
	for _, f := range m.config.DropFields {
		delete(body, f)
	}
}

func (m *MockMailboxAPI) indexOf(id string) int {
	for i, rec := range m.records {
		if rec["id"] == id {
			return i
		}
	}
	return -1
}

func readBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
