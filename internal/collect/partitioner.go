package collect

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Partitioner routes shuffle keys to tasks.
type Partitioner struct {
	plan *Plan
}

// NewPartitioner returns a partitioner for plan.
func NewPartitioner(plan *Plan) *Partitioner {
	return &Partitioner{plan: plan}
}

// Task returns the task a key belongs to. Values of a sharded column are
// spread over its tasks by hash so every occurrence of a value meets in the
// same task.
func (p *Partitioner) Task(k Key) (int, error) {
	switch {
	case k.IsStatistics():
		if !p.plan.Statistics {
			return 0, errors.Wrap(models.ErrInvalidConfiguration, "statistics key with statistics disabled")
		}
		return p.plan.StatisticsTask(), nil
	case k.IsPartition():
		if !p.plan.Statistics {
			return 0, errors.Wrap(models.ErrInvalidConfiguration, "partition key with statistics disabled")
		}
		return p.plan.PartitionTask(), nil
	}

	col, _ := k.Column()
	tasks := p.plan.ColumnTasks(col)
	switch len(tasks) {
	case 0:
		return 0, errors.Wrapf(models.ErrInvalidConfiguration, "no task for column %d", col)
	case 1:
		return tasks[0], nil
	}
	return tasks[xxhash.Sum64(k.Payload)%uint64(len(tasks))], nil
}
