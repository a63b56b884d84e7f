package compaction

import (
	"sort"

	"github.com/tskvdb/tskv/internal/manifest"
)

// DefaultLevelFileThreshold is the number of files at a level that triggers
// a compaction of that level into the next. Every level is picked by file
// count; above level 0 the count scales with the level (see threshold).
const DefaultLevelFileThreshold = 4

// Picker selects compaction inputs from a Version. It holds no state of its
// own beyond its thresholds; every decision is a pure function of the
// Version handed to PickLevel.
type Picker struct {
	LevelFileThreshold int
}

// NewPicker returns a Picker with the default thresholds.
func NewPicker() *Picker {
	return &Picker{LevelFileThreshold: DefaultLevelFileThreshold}
}

// Task describes one compaction job: merge Inputs (all from Level, plus any
// overlapping files at Level+1) into new files at Level+1.
type Task struct {
	Level   int
	Inputs  []*manifest.ColumnFile
	Outputs []*manifest.ColumnFile // files at Level+1 overlapping Inputs' time range
}

// PickLevel scans v from level 0 upward and returns the first level that has
// crossed the file-count threshold, or nil if no level needs compaction.
// Level 0 files may overlap each other in time, so all of level 0 is always
// taken together once it crosses the threshold; higher levels are already
// non-overlapping so only the overlapping subset at level+1 is pulled in.
func (p *Picker) PickLevel(v *manifest.Version) *Task {
	for level := 0; level <= v.MaxLevel(); level++ {
		files := v.FilesAtLevel(level)
		if len(files) < p.threshold(level) {
			continue
		}
		inputs := append([]*manifest.ColumnFile(nil), files...)
		minTS, maxTS := fileRange(inputs)
		var outputs []*manifest.ColumnFile
		for _, f := range v.FilesAtLevel(level + 1) {
			if f.Meta.MinTS <= maxTS && minTS <= f.Meta.MaxTS {
				outputs = append(outputs, f)
			}
		}
		return &Task{Level: level, Inputs: inputs, Outputs: outputs}
	}
	return nil
}

func (p *Picker) threshold(level int) int {
	if p.LevelFileThreshold <= 0 {
		return DefaultLevelFileThreshold
	}
	// Level 0 compacts aggressively since its files overlap and slow reads
	// fanning out across many of them; higher levels tolerate more files
	// before paying for a merge.
	if level == 0 {
		return p.LevelFileThreshold
	}
	return p.LevelFileThreshold * (level + 1)
}

func fileRange(files []*manifest.ColumnFile) (min, max int64) {
	first := true
	for _, f := range files {
		if first {
			min, max = f.Meta.MinTS, f.Meta.MaxTS
			first = false
			continue
		}
		if f.Meta.MinTS < min {
			min = f.Meta.MinTS
		}
		if f.Meta.MaxTS > max {
			max = f.Meta.MaxTS
		}
	}
	return min, max
}

func sortFilesByID(files []*manifest.ColumnFile) []*manifest.ColumnFile {
	out := append([]*manifest.ColumnFile(nil), files...)
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.ID < out[j].Meta.ID })
	return out
}
