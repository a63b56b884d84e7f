package main

import (
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/summary"
)

// replaySummary replays dir's summary log into a fresh VersionSet,
// the same recovery path vnode.Open runs, without opening a WAL or
// starting a background flush worker.
func replaySummary(dir string) (*manifest.VersionSet, error) {
	vs := manifest.NewVersionSet()
	db := vs.CreateDB("cli", "cli", nil)
	sum, err := summary.Open(dir, vs, func(uint32) *manifest.Database { return db }, 0)
	if err != nil {
		return nil, err
	}
	return vs, sum.Close()
}
