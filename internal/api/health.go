package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version,omitempty"`
	Uptime    string       `json:"uptime,omitempty"`
	Cubes     int          `json:"cubes"`
	Store     string       `json:"store"`
	Memory    *MemoryStats `json:"memory,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc      string `json:"alloc"`
	TotalAlloc string `json:"total_alloc"`
	Sys        string `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

// Version is reported by the health endpoint.
var Version = "dev"

var startTime = time.Now()

// HandleHealth returns the health status of the application. The store is
// probed with an Exists call; a failing store reports "degraded".
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Cubes:     len(s.catalog.Cubes),
		Store:     "ok",
		Memory: &MemoryStats{
			Alloc:      humanize.IBytes(m.Alloc),
			TotalAlloc: humanize.IBytes(m.TotalAlloc),
			Sys:        humanize.IBytes(m.Sys),
			NumGC:      m.NumGC,
		},
	}

	status := http.StatusOK
	if _, err := s.store.Exists(r.Context(), "/health"); err != nil {
		s.logger.Warn("resource store health probe failed", "error", err)
		response.Status = "degraded"
		response.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, response)
}
