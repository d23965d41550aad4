package collect

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Role is the part a task plays in collection.
type Role int

const (
	RoleColumn Role = iota
	RolePartition
	RoleStatistics
)

func (r Role) String() string {
	switch r {
	case RoleColumn:
		return "column"
	case RolePartition:
		return "partition"
	case RoleStatistics:
		return "statistics"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Assign maps task ids to dictionary column indexes. uhc holds 1 for a
// column sharded over uhcReducerCount tasks and 0 for a single-task column.
// The returned width is the number of column tasks; ids [0, width) are all
// assigned and no id is shared by two columns.
func Assign(uhc []int, uhcReducerCount int) (map[int]int, int, error) {
	if uhcReducerCount < 1 {
		return nil, 0, errors.Wrapf(models.ErrInvalidConfiguration, "uhc reducer count %d", uhcReducerCount)
	}

	r := uhcReducerCount
	taskToColumn := make(map[int]int, len(uhc))
	shardsUsed := 0
	for i, flag := range uhc {
		switch flag {
		case 0, 1:
		default:
			return nil, 0, errors.Wrapf(models.ErrInvalidConfiguration, "column %d: uhc flag %d", i, flag)
		}
		first := shardsUsed*(r-1) + i
		taskToColumn[first] = i
		if flag == 1 {
			for j := 1; j < r; j++ {
				taskToColumn[first+j] = i
			}
			shardsUsed++
		}
	}
	return taskToColumn, len(uhc) + shardsUsed*(r-1), nil
}

// Plan is the task layout of one collection job.
type Plan struct {
	Columns         []models.DimensionDesc
	UHC             []int
	UHCReducerCount int
	Statistics      bool
	Partition       string

	taskToColumn map[int]int
	columnTasks  [][]int
	width        int
}

// NewPlan lays out tasks for the dictionary columns of cube. With
// statistics enabled two tasks follow the column tasks: the partition
// column task and, last, the statistics task.
func NewPlan(cube *models.CubeDesc, uhcReducerCount int, statistics bool) (*Plan, error) {
	cols := cube.DictionaryColumns()
	if len(cols) > MaxColumns {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration,
			"cube %s: %d dictionary columns, at most %d", cube.Name, len(cols), MaxColumns)
	}
	for _, c := range cols {
		if _, err := models.ParseDataType(c.DataType); err != nil {
			return nil, errors.Wrapf(err, "cube %s: column %s", cube.Name, c.Name)
		}
	}

	uhc := cube.UHCFlags()
	taskToColumn, width, err := Assign(uhc, uhcReducerCount)
	if err != nil {
		return nil, err
	}

	columnTasks := make([][]int, len(cols))
	for task := 0; task < width; task++ {
		c := taskToColumn[task]
		columnTasks[c] = append(columnTasks[c], task)
	}

	return &Plan{
		Columns:         cols,
		UHC:             uhc,
		UHCReducerCount: uhcReducerCount,
		Statistics:      statistics,
		Partition:       cube.PartitionDateColumn,
		taskToColumn:    taskToColumn,
		columnTasks:     columnTasks,
		width:           width,
	}, nil
}

// NumTasks is the total number of reduce tasks.
func (p *Plan) NumTasks() int {
	if p.Statistics {
		return p.width + 2
	}
	return p.width
}

// ColumnTaskCount is the number of tasks collecting column values.
func (p *Plan) ColumnTaskCount() int { return p.width }

// StatisticsTask returns the statistics task id, or -1 when disabled.
func (p *Plan) StatisticsTask() int {
	if !p.Statistics {
		return -1
	}
	return p.NumTasks() - 1
}

// PartitionTask returns the partition column task id, or -1 when disabled.
func (p *Plan) PartitionTask() int {
	if !p.Statistics {
		return -1
	}
	return p.NumTasks() - 2
}

// ColumnTasks returns the tasks that own column i.
func (p *Plan) ColumnTasks(i int) []int {
	if i < 0 || i >= len(p.columnTasks) {
		return nil
	}
	return p.columnTasks[i]
}

// IsUHC reports whether column i is sharded.
func (p *Plan) IsUHC(i int) bool {
	return i >= 0 && i < len(p.UHC) && p.UHC[i] == 1 && p.UHCReducerCount > 1
}

// Role resolves a task id. For column tasks the column index is returned.
func (p *Plan) Role(taskID int) (Role, int, error) {
	switch {
	case taskID < 0 || taskID >= p.NumTasks():
		return 0, 0, errors.Wrapf(models.ErrInvalidConfiguration,
			"task %d outside plan of %d tasks", taskID, p.NumTasks())
	case taskID == p.StatisticsTask():
		return RoleStatistics, -1, nil
	case taskID == p.PartitionTask():
		return RolePartition, -1, nil
	}
	return RoleColumn, p.taskToColumn[taskID], nil
}

// CheckTaskCount rejects a framework task count that does not match the
// plan, which happens when the UHC reducer count was changed between
// planning and running.
func (p *Plan) CheckTaskCount(numTasks int) error {
	if numTasks != p.NumTasks() {
		return errors.Wrapf(models.ErrInvalidConfiguration,
			"%d tasks, plan with uhc reducer count %d needs %d", numTasks, p.UHCReducerCount, p.NumTasks())
	}
	return nil
}
