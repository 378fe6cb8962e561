// File path: internal/warehouse/warehousetest/server.go
package warehousetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	chi "github.com/go-chi/chi/v5"
)

// Server is an in-memory warehouse API double. It serves registered model
// fixtures through the paged query endpoint and supports per-model fault
// injection so callers can exercise retry and validation paths.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	models     map[string][]map[string]interface{}
	failNext   map[string]int
	failStatus map[string]int
	requests   map[string]int
	mutate     map[string]func(map[string]interface{})
}

func New() *Server {
	s := &Server{
		models:     make(map[string][]map[string]interface{}),
		failNext:   make(map[string]int),
		failStatus: make(map[string]int),
		requests:   make(map[string]int),
		mutate:     make(map[string]func(map[string]interface{})),
	}
	router := chi.NewRouter()
	router.Get("/api/v2/data/{model}/query.json", s.handleQuery)
	s.Server = httptest.NewServer(router)
	return s
}

// SetModel registers the full fixture row set served for a model.
func (s *Server) SetModel(name string, rows []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[name] = rows
}

// FailNext makes the next n requests for a model answer with the given
// status before normal service resumes.
func (s *Server) FailNext(model string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[model] = n
	s.failStatus[model] = status
}

// MutateEnvelope installs a hook that rewrites the response envelope for a
// model before it is encoded.
func (s *Server) MutateEnvelope(model string, fn func(map[string]interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutate[model] = fn
}

// Requests reports how many query requests a model has received.
func (s *Server) Requests(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[model]
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	startRow, _ := strconv.Atoi(r.URL.Query().Get("start_row"))
	numRows, err := strconv.Atoi(r.URL.Query().Get("num_rows"))
	if err != nil || numRows <= 0 {
		numRows = 2000
	}

	s.mu.Lock()
	s.requests[model]++
	if s.failNext[model] > 0 {
		s.failNext[model]--
		status := s.failStatus[model]
		s.mu.Unlock()
		if status == 0 {
			status = http.StatusInternalServerError
		}
		http.Error(w, "injected failure", status)
		return
	}
	rows, known := s.models[model]
	hook := s.mutate[model]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !known {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"msg":     "unknown model " + model,
		})
		return
	}

	total := len(rows)
	start := startRow
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + numRows
	if end > total {
		end = total
	}
	page := rows[start:end]
	envelope := map[string]interface{}{
		"success":    true,
		"total_rows": total,
		"start_row":  startRow,
		"num_rows":   len(page),
		"msg":        page,
	}
	if hook != nil {
		hook(envelope)
	}
	json.NewEncoder(w).Encode(envelope)
}
