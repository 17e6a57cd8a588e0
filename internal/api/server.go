package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/criteriasync/internal/models"
)

// RunStatus remembers the outcome of the most recent scheduled run.
type RunStatus struct {
	mu       sync.Mutex
	day      time.Time
	finished time.Time
	err      error
	runs     int
}

func (s *RunStatus) Record(day time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = day
	s.finished = time.Now()
	s.err = err
	s.runs++
}

type StatusResponse struct {
	Status   string     `json:"status"`
	Runs     int        `json:"runs"`
	LastDay  string     `json:"last_day,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func (s *RunStatus) snapshot() StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatusResponse{Status: "ok", Runs: s.runs}
	if s.runs == 0 {
		resp.Status = "waiting"
		return resp
	}
	finished := s.finished
	resp.LastDay = models.DateString(s.day)
	resp.Finished = &finished
	if s.err != nil {
		resp.Status = "error"
		resp.Error = s.err.Error()
	}
	return resp
}

type Server struct {
	addr   string
	status *RunStatus
}

func NewServer(addr string, status *RunStatus) *Server {
	if status == nil {
		status = &RunStatus{}
	}
	return &Server{addr: addr, status: status}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// handleStatus answers 503 while the last run failed, so probes notice.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.status.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
