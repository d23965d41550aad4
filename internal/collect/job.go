package collect

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/recordio"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/cuboid"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/models"
)

// JobConfig configures a local collection run.
type JobConfig struct {
	UHCReducerCount int
	Statistics      bool
	NullValues      []string
	Task            TaskConfig
}

// DefaultJobConfig collects statistics over every row with 14-bit sketches
// and builds dictionaries inside the column tasks.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		UHCReducerCount: 1,
		Statistics:      true,
		Task: TaskConfig{
			Precision:               14,
			SamplingPercentage:      100,
			BuildDictInReducer:      true,
			UseNewEstimateAlgorithm: true,
		},
	}
}

// PartitionRange is the span of the partition column in epoch millis.
type PartitionRange struct {
	Min, Max int64
}

// Result is what a run published.
type Result struct {
	Snapshot     *stats.Snapshot
	Dictionaries map[string]*dict.Dictionary
	Partition    *PartitionRange
}

// Job runs the collection protocol for one segment in process: one mapper
// per input split, an in-memory shuffle, one goroutine per reduce task.
// Afterwards it publishes the statistics snapshot and the column
// dictionaries to the segment's resource store.
type Job struct {
	seg     *metadata.Segment
	cfg     JobConfig
	outputs Outputs
	logger  *slog.Logger
	metrics *Metrics
}

// NewJob prepares a run. A nil outputs keeps task files in memory.
func NewJob(seg *metadata.Segment, cfg JobConfig, outputs Outputs, logger *slog.Logger, metrics *Metrics) *Job {
	if outputs == nil {
		outputs = NewMemoryOutput()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics()
	}
	return &Job{seg: seg, cfg: cfg, outputs: outputs, logger: logger, metrics: metrics}
}

// Run processes the splits and publishes the results. Outputs must be empty
// at the start of a run.
func (j *Job) Run(ctx context.Context, splits [][]Row) (*Result, error) {
	cube := j.seg.Cube()
	plan, err := NewPlan(cube, j.cfg.UHCReducerCount, j.cfg.Statistics)
	if err != nil {
		return nil, err
	}
	var sched *cuboid.Scheduler
	if j.cfg.Statistics {
		if sched, err = cuboid.FromCube(cube); err != nil {
			return nil, err
		}
	}

	logger := j.logger.With("segment", j.seg.String())
	logger.Info("starting collection",
		"splits", len(splits),
		"tasks", plan.NumTasks(),
		"columns", len(plan.Columns))

	sh := newShuffle(plan.NumTasks(), NewPartitioner(plan))
	if err := j.runMappers(ctx, cube, plan, sched, splits, sh); err != nil {
		return nil, errors.Wrap(err, "map phase")
	}
	if err := j.runReducers(ctx, cube, plan, sh, logger); err != nil {
		return nil, errors.Wrap(err, "reduce phase")
	}
	return j.publish(ctx, plan, logger)
}

func (j *Job) runMappers(ctx context.Context, cube *models.CubeDesc, plan *Plan, sched *cuboid.Scheduler, splits [][]Row, sh *shuffle) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, split := range splits {
		g.Go(func() error {
			m, err := NewMapper(cube, plan, sched, MapperConfig{
				Statistics:         j.cfg.Statistics,
				Precision:          j.cfg.Task.Precision,
				SamplingPercentage: j.cfg.Task.SamplingPercentage,
				NullValues:         j.cfg.NullValues,
			}, j.metrics)
			if err != nil {
				return err
			}
			for _, row := range split {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := m.Map(row); err != nil {
					return err
				}
			}
			return m.Flush(sh)
		})
	}
	return g.Wait()
}

func (j *Job) runReducers(ctx context.Context, cube *models.CubeDesc, plan *Plan, sh *shuffle, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for task := 0; task < plan.NumTasks(); task++ {
		g.Go(func() error {
			out := j.outputs.Task(task)
			r, err := NewReducer(TaskContext{
				TaskID:   task,
				NumTasks: plan.NumTasks(),
				Plan:     plan,
				Cube:     cube,
				Output:   out,
				Config:   j.cfg.Task,
				Logger:   logger,
				Metrics:  j.metrics,
			})
			if err != nil {
				return err
			}

			start := time.Now()
			defer func() {
				j.metrics.TaskDuration.WithLabelValues(r.Role().String()).Observe(time.Since(start).Seconds())
			}()

			for _, grp := range sh.groups(task) {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := r.Reduce(gctx, grp.key, grp.values); err != nil {
					return errors.Wrapf(err, "task %d", task)
				}
			}
			if err := r.Cleanup(gctx); err != nil {
				return errors.Wrapf(err, "task %d cleanup", task)
			}
			return out.Close()
		})
	}
	return g.Wait()
}

func (j *Job) publish(ctx context.Context, plan *Plan, logger *slog.Logger) (*Result, error) {
	res := &Result{Dictionaries: make(map[string]*dict.Dictionary)}
	store := j.seg.Store()

	if plan.Statistics {
		s, err := j.publishStatistics(ctx, store)
		if err != nil {
			return nil, err
		}
		res.Snapshot = s

		if plan.Partition != "" {
			pr, err := j.partitionRange(plan.Partition)
			if err != nil {
				return nil, err
			}
			res.Partition = pr
		}
	}

	for i, col := range plan.Columns {
		if col.DictionaryBuilder != "" {
			logger.Info("column uses a custom dictionary builder, raw values left in output",
				"column", col.Name, "builder", col.DictionaryBuilder)
			continue
		}
		d, err := j.columnDictionary(i, col, plan)
		if err != nil {
			return nil, err
		}
		data, err := dict.MarshalFile(d)
		if err != nil {
			return nil, err
		}
		if err := resource.Put(ctx, store, j.seg.DictionaryPath(col.Name), data); err != nil {
			return nil, errors.Wrapf(err, "publishing dictionary of %s", col.Name)
		}
		res.Dictionaries[col.Name] = d
	}
	return res, nil
}

// publishStatistics copies the statistics task file to the store and
// returns it decoded.
func (j *Job) publishStatistics(ctx context.Context, store resource.Store) (*stats.Snapshot, error) {
	recs, err := j.outputs.Read(StatisticsFileName)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := recordio.NewWriter(&buf)
	for _, r := range recs {
		if err := w.Write(r.Key, r.Value); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	s, err := stats.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "statistics output")
	}
	if err := resource.Put(ctx, store, j.seg.StatisticsPath(), buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "publishing statistics")
	}
	return s, nil
}

func (j *Job) partitionRange(column string) (*PartitionRange, error) {
	recs, err := j.outputs.Read(PartitionFileName(column))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs) != 2 || len(recs[0].Value) != 8 || len(recs[1].Value) != 8 {
		return nil, errors.Wrapf(models.ErrCorruptData, "partition output of %s has %d records", column, len(recs))
	}
	return &PartitionRange{
		Min: int64(binary.BigEndian.Uint64(recs[0].Value)),
		Max: int64(binary.BigEndian.Uint64(recs[1].Value)),
	}, nil
}

// columnDictionary reads the dictionary a column task built, or builds one
// from the raw values the column's tasks wrote.
func (j *Job) columnDictionary(i int, col models.DimensionDesc, plan *Plan) (*dict.Dictionary, error) {
	recs, err := j.outputs.Read(DictFileName(col.Name))
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
	case 1:
		_, d, err := dict.UnmarshalFile(recs[0].Value)
		if err != nil {
			return nil, errors.Wrapf(err, "dictionary output of %s", col.Name)
		}
		return d, nil
	default:
		return nil, errors.Wrapf(models.ErrCorruptData, "column %s has %d dictionary outputs", col.Name, len(recs))
	}

	dt, err := models.ParseDataType(col.DataType)
	if err != nil {
		return nil, err
	}
	raw, err := j.outputs.Read(ColumnFileName(col.Name))
	if err != nil {
		return nil, err
	}
	b := dict.BuilderFor(dt)
	for _, r := range raw {
		if err := b.AddValue(string(r.Value)); err != nil {
			return nil, errors.Wrapf(errors.Mark(err, models.ErrCorruptData), "column %s", col.Name)
		}
	}
	j.logger.Info("built dictionary from raw values",
		"column", col.Name, "tasks", len(plan.ColumnTasks(i)), "values", len(raw))
	return b.Build()
}

type group struct {
	key    Key
	values [][]byte
}

// shuffle groups emitted records by task and key.
type shuffle struct {
	part *Partitioner
	mu   sync.Mutex
	// per task, wire key to values
	tasks []map[string][][]byte
}

func newShuffle(numTasks int, part *Partitioner) *shuffle {
	tasks := make([]map[string][][]byte, numTasks)
	for i := range tasks {
		tasks[i] = make(map[string][][]byte)
	}
	return &shuffle{part: part, tasks: tasks}
}

func (s *shuffle) Emit(k Key, value []byte) error {
	task, err := s.part.Task(k)
	if err != nil {
		return err
	}
	wire := string(k.Bytes())
	s.mu.Lock()
	s.tasks[task][wire] = append(s.tasks[task][wire], value)
	s.mu.Unlock()
	return nil
}

// groups returns one task's groups in key order.
func (s *shuffle) groups(task int) []group {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tasks[task]
	wires := make([]string, 0, len(m))
	for w := range m {
		wires = append(wires, w)
	}
	sort.Strings(wires)

	out := make([]group, 0, len(wires))
	for _, w := range wires {
		k, _ := ParseKey([]byte(w))
		out = append(out, group{key: k, values: m[w]})
	}
	return out
}
