package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/stclean/internal/clean"
)

func renderSummary(w io.Writer, rep clean.Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("File", "Status", "Renamed")

	for _, s := range rep.Shards {
		if err := table.Append(filepath.Base(s.Path), shardStatus(rep.DryRun, s), strconv.Itoa(len(s.Renames))); err != nil {
			return err
		}
	}

	if name, status, renamed, ok := manifestRow(rep); ok {
		if err := table.Append(name, status, renamed); err != nil {
			return err
		}
	}
	return table.Render()
}

func shardStatus(dryRun bool, s clean.ShardResult) string {
	switch {
	case s.Err != nil:
		return "failed: " + s.Err.Error()
	case s.Modified:
		if len(s.Collisions) > 0 {
			return fmt.Sprintf("renamed (%d collisions)", len(s.Collisions))
		}
		return "renamed"
	case dryRun && s.Changed():
		return "would rename"
	default:
		return "unchanged"
	}
}

func manifestRow(rep clean.Report) (name, status, renamed string, ok bool) {
	switch {
	case rep.ManifestErr != nil:
		return "(manifest)", "failed: " + rep.ManifestErr.Error(), "0", true
	case rep.ManifestMissing:
		return "(manifest)", "not found", "0", true
	case rep.Manifest == nil:
		return "", "", "", false
	}
	m := rep.Manifest
	status = "unchanged"
	switch {
	case m.Modified:
		status = "updated"
	case rep.DryRun && len(m.Renames) > 0:
		status = "would update"
	}
	return filepath.Base(m.Path), status, strconv.Itoa(len(m.Renames)), true
}
