// Package receiver accepts fact rows for a cube segment and runs the
// distinct-value and statistics collection on them.
package receiver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/fidde/cube_planner/internal/collect"
	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/pkg/models"
)

// DefaultSplitRows is the number of rows handed to one mapper.
const DefaultSplitRows = 10000

// MaxBodyBytes is the default cap on a decompressed upload.
const MaxBodyBytes = 1 << 30

// Options configures NewHTTPReceiver.
type Options struct {
	Catalog *metadata.Catalog
	Store   resource.Store
	Job     collect.JobConfig
	// SplitRows is the mapper input size. Zero uses DefaultSplitRows.
	SplitRows int
	// MaxBodyBytes rejects larger decompressed uploads with 413. Zero uses
	// MaxBodyBytes.
	MaxBodyBytes int64
	// WorkDir keeps task files on disk below WorkDir/<segment>/<job>. Empty
	// keeps them in memory.
	WorkDir string
	Fs      afero.Fs
	Logger  *slog.Logger
	Metrics *collect.Metrics
}

// HTTPReceiver handles collection uploads.
type HTTPReceiver struct {
	opts   Options
	server *http.Server

	mu      sync.Mutex
	running map[string]struct{}
}

// NewHTTPReceiver creates a new HTTP receiver.
func NewHTTPReceiver(addr string, opts Options) *HTTPReceiver {
	if opts.SplitRows <= 0 {
		opts.SplitRows = DefaultSplitRows
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = MaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorkDir != "" && opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	r := &HTTPReceiver{
		opts:    opts,
		running: make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/collect/{cube}/{segment}", r.handleCollect)
	mux.HandleFunc("GET /health", r.handleHealth)

	r.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return r
}

// Handler returns the request multiplexer.
func (r *HTTPReceiver) Handler() http.Handler { return r.server.Handler }

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// CollectResponse summarizes a finished collection job.
type CollectResponse struct {
	JobID              string                  `json:"job_id"`
	Cube               string                  `json:"cube"`
	Segment            string                  `json:"segment"`
	Rows               int                     `json:"rows"`
	Splits             int                     `json:"splits"`
	Cuboids            int                     `json:"cuboids,omitempty"`
	MapperOverlapRatio float64                 `json:"mapper_overlap_ratio,omitempty"`
	Partition          *collect.PartitionRange `json:"partition,omitempty"`
	Dictionaries       map[string]int          `json:"dictionaries"`
	Duration           string                  `json:"duration"`
}

// handleCollect reads CSV rows in dimension order and runs a job over them.
// Supported query parameters: header=true skips the first line, delimiter
// sets the field separator.
func (r *HTTPReceiver) handleCollect(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	seg, err := r.segment(req.PathValue("cube"), req.PathValue("segment"))
	if err != nil {
		r.respondErr(w, err)
		return
	}
	uid := seg.Desc().UUID
	if !r.acquire(uid) {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "collection already running for " + seg.String()})
		return
	}
	defer r.release(uid)

	body, err := decompress(req)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	body = http.MaxBytesReader(w, body, r.opts.MaxBodyBytes)
	defer body.Close()

	splits, rows, err := r.readSplits(req, body, len(seg.Cube().Dimensions))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		respondJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	jobID := uuid.NewString()
	logger := r.opts.Logger.With("job", jobID)
	var outputs collect.Outputs
	if r.opts.WorkDir != "" {
		outputs = collect.NewFSOutput(r.opts.Fs, filepath.Join(r.opts.WorkDir, uid, jobID))
	}

	res, err := collect.NewJob(seg, r.opts.Job, outputs, logger, r.opts.Metrics).Run(req.Context(), splits)
	if err != nil {
		r.respondErr(w, err)
		return
	}

	resp := CollectResponse{
		JobID:        jobID,
		Cube:         seg.Cube().Name,
		Segment:      seg.Desc().Name,
		Rows:         rows,
		Splits:       len(splits),
		Partition:    res.Partition,
		Dictionaries: make(map[string]int, len(res.Dictionaries)),
		Duration:     time.Since(start).Round(time.Millisecond).String(),
	}
	if res.Snapshot != nil {
		resp.Cuboids = len(res.Snapshot.Sketches)
		resp.MapperOverlapRatio = res.Snapshot.MapperOverlapRatio
	}
	for col, d := range res.Dictionaries {
		resp.Dictionaries[col] = d.Cardinality()
	}
	logger.Info("collection finished", "segment", seg.String(), "rows", rows, "duration", resp.Duration)
	respondJSON(w, http.StatusOK, resp)
}

func (r *HTTPReceiver) segment(cubeName, segment string) (*metadata.Segment, error) {
	cube, err := r.opts.Catalog.Cube(cubeName)
	if err != nil {
		return nil, err
	}
	desc, err := cube.Segment(segment)
	if err != nil {
		return nil, err
	}
	return metadata.NewSegment(&cube.CubeDesc, desc, r.opts.Store), nil
}

func (r *HTTPReceiver) acquire(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[uid]; busy {
		return false
	}
	r.running[uid] = struct{}{}
	return true
}

func (r *HTTPReceiver) release(uid string) {
	r.mu.Lock()
	delete(r.running, uid)
	r.mu.Unlock()
}

// readSplits parses the CSV body into mapper splits of SplitRows rows.
func (r *HTTPReceiver) readSplits(req *http.Request, body io.Reader, columns int) ([][]collect.Row, int, error) {
	cr := csv.NewReader(body)
	cr.FieldsPerRecord = columns
	if d := req.URL.Query().Get("delimiter"); d != "" {
		if len(d) != 1 {
			return nil, 0, errors.Newf("delimiter %q must be a single character", d)
		}
		cr.Comma = rune(d[0])
	}
	skipHeader, _ := strconv.ParseBool(req.URL.Query().Get("header"))

	var (
		splits [][]collect.Row
		cur    []collect.Row
		rows   int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "reading rows")
		}
		if skipHeader {
			skipHeader = false
			continue
		}
		cur = append(cur, collect.Row(rec))
		rows++
		if len(cur) == r.opts.SplitRows {
			splits = append(splits, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		splits = append(splits, cur)
	}
	return splits, rows, nil
}

// decompress wraps the body according to Content-Encoding.
func decompress(req *http.Request) (io.ReadCloser, error) {
	switch enc := req.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return req.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress")
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decompress")
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, errors.Newf("unsupported content encoding %q", enc)
	}
}

func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	running := len(r.running)
	r.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "running_jobs": running})
}

func (r *HTTPReceiver) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrCorruptData), errors.Is(err, models.ErrIncompatibleSketch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		status = 499
	}
	if status == http.StatusInternalServerError {
		r.opts.Logger.Error("collection failed", "error", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
