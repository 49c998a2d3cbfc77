package mirror

import (
	"context"
	"os"
	"slices"

	"github.com/paulschiretz/pgl-spread/pkg/progress"
)

// Progress builds the task's progress entry. It waits at most ReportTimeout
// (or until ctx is done) for the task lock and returns ErrUnavailable
// otherwise. With verbose the remaining relative paths are listed; with
// withBytes their source sizes are summed after the lock is released.
func (t *Task) Progress(ctx context.Context, verbose, withBytes bool) (progress.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, ReportTimeout)
	defer cancel()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return progress.Source{}, ErrUnavailable
	}

	out, pending := t.snapshot(verbose || withBytes)
	t.sem.Release(1)

	for i := range out.Destinations {
		files := pending[i]
		if withBytes {
			total := t.sumSizes(files)
			out.Destinations[i].RemainingBytes = &total
		}
		if verbose {
			out.Destinations[i].RemainingFiles = files
		}
	}
	return out, nil
}

// snapshot copies the reportable state. Callers hold the lock.
func (t *Task) snapshot(withFiles bool) (progress.Source, [][]string) {
	out := progress.Source{
		Source:          t.cfg.Source,
		Phase:           t.phase().String(),
		SourceFileCount: t.source.FileCount(),
	}
	if t.closed {
		out.Phase = "closed"
	}
	pending := make([][]string, len(t.dests))
	for i, d := range t.dests {
		entry := progress.Destination{
			Destination:   d.dir,
			ScanFileCount: d.scan.FileCount(),
		}
		if d.diff != nil {
			entry.RemainingFileCount = len(d.diff.LeftOnly())
			entry.ExtraneousFileCount = len(d.diff.RightOnly())
			if t.cfg.UseChangeMarker && t.diffFound {
				entry.RemainingFileCount += len(d.diff.Common())
			}
			if withFiles {
				pending[i] = slices.Clone(d.diff.LeftOnly())
				if t.cfg.UseChangeMarker && t.diffFound {
					pending[i] = append(pending[i], d.diff.Common()...)
				}
			}
		}
		if d.job != nil {
			entry.CurrentFile = d.job.Destination()
			entry.CurrentFileProgress = d.job.Percent()
		}
		out.Destinations = append(out.Destinations, entry)
	}
	return out, pending
}

// sumSizes adds the on-disk sizes of rel below the source root. Files that
// vanished are skipped.
func (t *Task) sumSizes(rel []string) int64 {
	var total int64
	for _, r := range rel {
		info, err := os.Stat(t.sourcePath(r))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}
