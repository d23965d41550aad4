// Package api provides REST API handlers for browsing cubes, their cuboid
// lattices and segment statistics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/cuboid"
	"github.com/fidde/cube_planner/pkg/models"
)

// Server is the REST API server.
type Server struct {
	catalog *metadata.Catalog
	store   resource.Store
	cfg     stats.Config
	logger  *slog.Logger
	router  *chi.Mux
	server  *http.Server
}

// Options configures NewServer.
type Options struct {
	Catalog *metadata.Catalog
	Store   resource.Store
	Stats   stats.Config
	Logger  *slog.Logger
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// PaginationParams contains pagination parameters from query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResponse wraps a paginated response with metadata.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// parsePaginationParams extracts pagination parameters from request.
// Defaults: limit=100, offset=0, max_limit=1000
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = min(parsed, maxLimit)
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// paginateSlice applies pagination to a slice.
func paginateSlice[T any](items []T, params PaginationParams) PaginatedResponse {
	total := len(items)
	start := params.Offset
	if start >= total {
		return PaginatedResponse{
			Data:   []T{},
			Total:  total,
			Limit:  params.Limit,
			Offset: params.Offset,
		}
	}
	end := min(start+params.Limit, total)
	return PaginatedResponse{
		Data:    items[start:end],
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: end < total,
	}
}

// NewServer creates a new API server.
func NewServer(addr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		catalog: opts.Catalog,
		store:   opts.Store,
		cfg:     opts.Stats,
		logger:  logger,
		router:  chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Get("/cubes", s.listCubes)
		r.Get("/cubes/{cube}", s.getCube)
		r.Get("/cubes/{cube}/cuboids", s.listCuboids)

		// Segment statistics
		r.Get("/cubes/{cube}/segments/{segment}/statistics", s.getStatistics)
		r.Get("/cubes/{cube}/segments/{segment}/statistics/cuboids", s.listCuboidEstimates)
		r.Get("/cubes/{cube}/segments/{segment}/statistics/layers", s.listLayers)
		r.Get("/cubes/{cube}/segments/{segment}/statistics/print", s.printStatistics)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// CubeSummary is one entry of the cube listing.
type CubeSummary struct {
	Name                string   `json:"name"`
	Dimensions          []string `json:"dimensions"`
	Measures            []string `json:"measures"`
	PartitionDateColumn string   `json:"partition_date_column,omitempty"`
	Segments            []string `json:"segments"`
}

func summarize(c *metadata.Cube) CubeSummary {
	sum := CubeSummary{
		Name:                c.Name,
		Dimensions:          make([]string, 0, len(c.Dimensions)),
		Measures:            make([]string, 0, len(c.Measures)),
		PartitionDateColumn: c.PartitionDateColumn,
		Segments:            make([]string, 0, len(c.Segments)),
	}
	for _, d := range c.Dimensions {
		sum.Dimensions = append(sum.Dimensions, d.Name)
	}
	for _, m := range c.Measures {
		sum.Measures = append(sum.Measures, m.Name)
	}
	for _, seg := range c.Segments {
		sum.Segments = append(sum.Segments, seg.Name)
	}
	return sum
}

// listCubes returns every cube in the catalog.
func (s *Server) listCubes(w http.ResponseWriter, r *http.Request) {
	out := make([]CubeSummary, 0, len(s.catalog.Cubes))
	for i := range s.catalog.Cubes {
		out = append(out, summarize(&s.catalog.Cubes[i]))
	}
	s.respondJSON(w, http.StatusOK, paginateSlice(out, parsePaginationParams(r)))
}

// CubeDetail adds lattice figures to the summary.
type CubeDetail struct {
	CubeSummary
	BaseCuboid  string `json:"base_cuboid"`
	CuboidCount int    `json:"cuboid_count"`
	LayerCount  int    `json:"layer_count"`
}

func (s *Server) getCube(w http.ResponseWriter, r *http.Request) {
	cube, sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, CubeDetail{
		CubeSummary: summarize(cube),
		BaseCuboid:  sched.DisplayName(sched.BaseCuboidID()),
		CuboidCount: len(sched.AllCuboids()),
		LayerCount:  len(sched.CuboidsByLayer()),
	})
}

// CuboidInfo describes one cuboid of the lattice.
type CuboidInfo struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Layer    int      `json:"layer"`
	Parent   *uint64  `json:"parent,omitempty"`
	Children []uint64 `json:"children"`
}

// listCuboids returns the lattice layer by layer, paginated.
func (s *Server) listCuboids(w http.ResponseWriter, r *http.Request) {
	_, sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	var out []CuboidInfo
	for level, ids := range sched.CuboidsByLayer() {
		for _, id := range ids {
			info := CuboidInfo{
				ID:       id,
				Name:     sched.DisplayName(id),
				Layer:    level,
				Children: sched.SpanningChildren(id),
			}
			if p, ok := sched.Parent(id); ok {
				info.Parent = &p
			}
			out = append(out, info)
		}
	}
	s.respondJSON(w, http.StatusOK, paginateSlice(out, parsePaginationParams(r)))
}

// StatisticsSummary is the header of a segment's statistics.
type StatisticsSummary struct {
	Cube               string         `json:"cube"`
	Segment            string         `json:"segment"`
	Precision          uint8          `json:"hll_precision"`
	Cuboids            int            `json:"cuboids"`
	TotalRows          int64          `json:"total_estimated_rows"`
	TotalSizeMB        float64        `json:"total_estimated_size_mb"`
	SamplingPercentage int            `json:"sampling_percentage"`
	MapperOverlapRatio float64        `json:"mapper_overlap_ratio"`
	MapperCount        int            `json:"mapper_count"`
	FactTableRowCount  int64          `json:"fact_table_row_count"`
	RowKeyLengths      map[string]int `json:"rowkey_lengths"`
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	seg, reader, ok := s.reader(w, r)
	if !ok {
		return
	}
	snap := reader.Snapshot()
	lengths, err := seg.RowKeyColumnLengths(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	rk := make(map[string]int, len(lengths))
	for i, d := range seg.Cube().Dimensions {
		rk[d.Name] = lengths[i]
	}
	s.respondJSON(w, http.StatusOK, StatisticsSummary{
		Cube:               seg.Cube().Name,
		Segment:            seg.Desc().Name,
		Precision:          snap.Precision(),
		Cuboids:            len(snap.Sketches),
		TotalRows:          reader.TotalEstimatedRows(),
		TotalSizeMB:        reader.TotalEstimatedSizeMB(),
		SamplingPercentage: snap.SamplingPercentage,
		MapperOverlapRatio: snap.MapperOverlapRatio,
		MapperCount:        snap.MapperCount,
		FactTableRowCount:  snap.FactTableRowCount,
		RowKeyLengths:      rk,
	})
}

// CuboidEstimate is the estimate for one cuboid.
type CuboidEstimate struct {
	ID     uint64  `json:"id"`
	Name   string  `json:"name"`
	Layer  int     `json:"layer"`
	Rows   int64   `json:"est_rows"`
	SizeMB float64 `json:"est_mb"`
}

func (s *Server) listCuboidEstimates(w http.ResponseWriter, r *http.Request) {
	_, reader, ok := s.reader(w, r)
	if !ok {
		return
	}
	sched := reader.Scheduler()
	var out []CuboidEstimate
	for level := 0; level < reader.LayerCount(); level++ {
		for _, id := range reader.CuboidsByLayer(level) {
			rows, found := reader.RowCount(id)
			if !found {
				continue
			}
			size, _ := reader.SizeMB(id)
			out = append(out, CuboidEstimate{
				ID:     id,
				Name:   sched.DisplayName(id),
				Layer:  level,
				Rows:   rows,
				SizeMB: size,
			})
		}
	}
	s.respondJSON(w, http.StatusOK, paginateSlice(out, parsePaginationParams(r)))
}

// LayerEstimate is the estimated size of one build layer.
type LayerEstimate struct {
	Layer   int     `json:"layer"`
	Cuboids int     `json:"cuboids"`
	SizeMB  float64 `json:"est_mb"`
}

func (s *Server) listLayers(w http.ResponseWriter, r *http.Request) {
	_, reader, ok := s.reader(w, r)
	if !ok {
		return
	}
	out := make([]LayerEstimate, 0, reader.LayerCount())
	for level := 0; level < reader.LayerCount(); level++ {
		out = append(out, LayerEstimate{
			Layer:   level,
			Cuboids: len(reader.CuboidsByLayer(level)),
			SizeMB:  reader.EstimateLayerSizeMB(level),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

// printStatistics renders the plain-text statistics report.
func (s *Server) printStatistics(w http.ResponseWriter, r *http.Request) {
	_, reader, ok := s.reader(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := reader.Print(w); err != nil {
		s.logger.Warn("writing statistics report failed", "error", err)
	}
}

func (s *Server) cube(w http.ResponseWriter, r *http.Request) (*metadata.Cube, bool) {
	cube, err := s.catalog.Cube(chi.URLParam(r, "cube"))
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return cube, true
}

func (s *Server) scheduler(w http.ResponseWriter, r *http.Request) (*metadata.Cube, *cuboid.Scheduler, bool) {
	cube, ok := s.cube(w, r)
	if !ok {
		return nil, nil, false
	}
	sched, err := cuboid.FromCube(&cube.CubeDesc)
	if err != nil {
		s.respondErr(w, err)
		return nil, nil, false
	}
	return cube, sched, true
}

// segment binds the requested segment for this request only, so dictionaries
// republished by a later collection are read again.
func (s *Server) segment(w http.ResponseWriter, r *http.Request) (*metadata.Segment, bool) {
	cube, ok := s.cube(w, r)
	if !ok {
		return nil, false
	}
	desc, err := cube.Segment(chi.URLParam(r, "segment"))
	if err != nil {
		s.respondErr(w, err)
		return nil, false
	}
	return metadata.NewSegment(&cube.CubeDesc, desc, s.store), true
}

func (s *Server) reader(w http.ResponseWriter, r *http.Request) (*metadata.Segment, *stats.Reader, bool) {
	seg, ok := s.segment(w, r)
	if !ok {
		return nil, nil, false
	}
	reader, err := stats.Open(r.Context(), seg, s.cfg)
	if err != nil {
		s.respondErr(w, err)
		return nil, nil, false
	}
	return seg, reader, true
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr maps an error to its status code.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrCorruptData), errors.Is(err, models.ErrIncompatibleSketch):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.respondError(w, status, err.Error())
}
