package collect

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/fidde/cube_planner/internal/recordio"
)

// Output categories.
const (
	CategoryColumn     = "column"
	CategoryDict       = "dict"
	CategoryPartition  = "partition"
	CategoryStatistics = "statistics"
)

// Output file names, relative to the job output root. Task files get a
// "-r-NNNNN" suffix.
const (
	StatisticsFileName      = "statistics/statistics"
	DictFileExtension       = ".rldict"
	PartitionFileExtension  = ".pci"
	taskSuffixFormat        = "-r-%05d"
	defaultOutputPermission = 0o755
)

// ColumnFileName is where raw distinct values of a column go.
func ColumnFileName(column string) string { return column + "/" }

// DictFileName is where a dictionary built in the task goes.
func DictFileName(column string) string { return column + "/" + column + DictFileExtension }

// PartitionFileName is where the partition column range goes.
func PartitionFileName(column string) string {
	return column + "/" + column + PartitionFileExtension
}

// TaskFileName appends the task suffix to a base file name.
func TaskFileName(baseFileName string, taskID int) string {
	return baseFileName + fmt.Sprintf(taskSuffixFormat, taskID)
}

// MultiOutput is one task's named output files.
type MultiOutput interface {
	Write(category string, key, value []byte, baseFileName string) error
	Close() error
}

// Outputs hands out per-task outputs and reads back every task's files.
type Outputs interface {
	Task(taskID int) MultiOutput
	// Read returns the records of every task file of baseFileName in task
	// order.
	Read(baseFileName string) ([]recordio.Record, error)
}

// MemoryOutput keeps task files in memory.
type MemoryOutput struct {
	mu    sync.Mutex
	files map[string][]recordio.Record
	cats  map[string]string
}

// NewMemoryOutput returns an empty in-memory output.
func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{
		files: make(map[string][]recordio.Record),
		cats:  make(map[string]string),
	}
}

// Task returns the output of one task.
func (m *MemoryOutput) Task(taskID int) MultiOutput {
	return &memoryTaskOutput{m: m, taskID: taskID}
}

// Files returns every file name, sorted.
func (m *MemoryOutput) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for n := range m.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// File returns the records of one task file.
func (m *MemoryOutput) File(name string) []recordio.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordio.Record(nil), m.files[name]...)
}

// Category returns the category a file was written under.
func (m *MemoryOutput) Category(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cats[name]
}

// Read collects the task files of baseFileName.
func (m *MemoryOutput) Read(baseFileName string) ([]recordio.Record, error) {
	var out []recordio.Record
	for _, name := range m.Files() {
		if isTaskFile(name, baseFileName) {
			out = append(out, m.File(name)...)
		}
	}
	return out, nil
}

type memoryTaskOutput struct {
	m      *MemoryOutput
	taskID int
}

func (o *memoryTaskOutput) Write(category string, key, value []byte, baseFileName string) error {
	name := TaskFileName(baseFileName, o.taskID)
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if c, ok := o.m.cats[name]; ok && c != category {
		return errors.Newf("file %s written as %s and %s", name, c, category)
	}
	o.m.cats[name] = category
	o.m.files[name] = append(o.m.files[name], recordio.Record{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	return nil
}

func (o *memoryTaskOutput) Close() error { return nil }

// FSOutput writes task files as record containers under a directory.
type FSOutput struct {
	fs  afero.Fs
	dir string
}

// NewFSOutput writes under dir of fs.
func NewFSOutput(fs afero.Fs, dir string) *FSOutput {
	return &FSOutput{fs: fs, dir: dir}
}

// Task returns the output of one task. Files are created on first write.
func (o *FSOutput) Task(taskID int) MultiOutput {
	return &fsTaskOutput{out: o, taskID: taskID, files: make(map[string]*fsFile)}
}

// Read collects the task files of baseFileName.
func (o *FSOutput) Read(baseFileName string) ([]recordio.Record, error) {
	// "col/" names files inside col, "col/col.pci" names files next to it
	relDir := path.Dir(baseFileName + "-")
	dir := path.Join(o.dir, relDir)
	entries, err := afero.ReadDir(o.fs, dir)
	if err != nil {
		if ok, _ := afero.DirExists(o.fs, dir); !ok {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s", dir)
	}

	var out []recordio.Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !isTaskFile(path.Join(relDir, e.Name()), baseFileName) {
			continue
		}
		recs, err := o.readFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (o *FSOutput) readFile(name string) ([]recordio.Record, error) {
	f, err := o.fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	defer f.Close()
	recs, err := recordio.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	return recs, nil
}

type fsFile struct {
	f        afero.File
	w        *recordio.Writer
	category string
}

type fsTaskOutput struct {
	out    *FSOutput
	taskID int
	files  map[string]*fsFile
}

func (o *fsTaskOutput) Write(category string, key, value []byte, baseFileName string) error {
	name := path.Join(o.out.dir, TaskFileName(baseFileName, o.taskID))
	ff, ok := o.files[name]
	if !ok {
		if err := o.out.fs.MkdirAll(path.Dir(name), defaultOutputPermission); err != nil {
			return errors.Wrapf(err, "creating directory for %s", name)
		}
		f, err := o.out.fs.Create(name)
		if err != nil {
			return errors.Wrapf(err, "creating %s", name)
		}
		ff = &fsFile{f: f, w: recordio.NewWriter(f), category: category}
		o.files[name] = ff
	}
	if ff.category != category {
		return errors.Newf("file %s written as %s and %s", name, ff.category, category)
	}
	return ff.w.Write(key, value)
}

func (o *fsTaskOutput) Close() error {
	var firstErr error
	names := make([]string, 0, len(o.files))
	for n := range o.files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ff := o.files[n]
		if err := ff.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ff.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing %s", n)
		}
	}
	o.files = map[string]*fsFile{}
	return firstErr
}

// isTaskFile matches "<base>-r-NNNNN".
func isTaskFile(name, baseFileName string) bool {
	rest, ok := strings.CutPrefix(name, baseFileName)
	if !ok || !strings.HasPrefix(rest, "-r-") {
		return false
	}
	digits := rest[3:]
	if len(digits) < 5 {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
