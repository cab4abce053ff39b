package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// MaxVolumes bounds concurrent sync jobs; one job per destination volume.
const MaxVolumes = 3

// Target is one destination volume plus its per-volume settings.
type Target struct {
	VolumeSerial string
	VolumeLabel  string
	// DestRoot is the absolute sync root on the mounted volume.
	DestRoot string

	Direction Direction
	UseHash   bool
	Mirror    bool
	Policy    ConflictPolicy
}

// Options apply to every job of one orchestrator run.
type Options struct {
	ScanWorkers     int
	TransferWorkers int
	Transfer        TransferOptions
	IgnoreLines     []string
	MachineID       string
}

// Orchestrator fans a source set out across destination volumes, one sync
// job sequence per volume, at most MaxVolumes volumes in flight. All jobs
// share the caller's context as the single cancellation signal; one volume
// failing never cancels its siblings.
type Orchestrator struct {
	store Store
	bus   *Bus
	opts  Options
}

func NewOrchestrator(store Store, bus *Bus, opts Options) *Orchestrator {
	return &Orchestrator{store: store, bus: bus, opts: opts}
}

// Run syncs every source to every target and returns one aggregated result
// per volume serial. It retries nothing itself; retry lives entirely inside
// the atomic transfer. Run returns once every job reached a terminal state.
func (o *Orchestrator) Run(ctx context.Context, sources []string, targets []Target) map[string]*JobResult {
	if len(targets) > MaxVolumes {
		slog.Warn("too many volumes requested", "requested", len(targets), "max", MaxVolumes)
		targets = targets[:MaxVolumes]
	}

	results := make(map[string]*JobResult, len(targets))
	var mu gosync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(MaxVolumes)

	for _, target := range targets {
		target := target
		g.Go(func() error {
			volResult := o.runVolume(ctx, sources, target)
			mu.Lock()
			results[target.VolumeSerial] = volResult
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runVolume processes all sources for one volume sequentially and merges
// their results into a single per-volume JobResult.
func (o *Orchestrator) runVolume(ctx context.Context, sources []string, target Target) *JobResult {
	var merged *JobResult

	for _, source := range sources {
		if ctx.Err() != nil {
			break
		}

		job := NewJob(JobConfig{
			SourcePath:      source,
			DestPath:        filepath.Join(target.DestRoot, filepath.Base(source)),
			VolumeSerial:    target.VolumeSerial,
			VolumeLabel:     target.VolumeLabel,
			Direction:       target.Direction,
			UseHash:         target.UseHash,
			Mirror:          target.Mirror,
			Policy:          target.Policy,
			ScanWorkers:     o.opts.ScanWorkers,
			TransferWorkers: o.opts.TransferWorkers,
			Transfer:        o.opts.Transfer,
			IgnoreLines:     o.opts.IgnoreLines,
			MachineID:       o.opts.MachineID,
		}, o.store, o.bus)

		result := job.Run(ctx)
		merged = mergeResults(merged, result)
	}

	if merged == nil {
		// No sources ran, either an empty set or cancellation before start.
		merged = &JobResult{VolumeSerial: target.VolumeSerial, Status: JobCancelled}
		if ctx.Err() == nil {
			merged.Status = JobCompleted
		}
	}
	return merged
}

// mergeResults folds per-source results into the volume-level one. The worst
// terminal status wins: failed over cancelled over completed.
func mergeResults(acc, next *JobResult) *JobResult {
	if acc == nil {
		return next
	}

	acc.FilesCopied += next.FilesCopied
	acc.FilesSkipped += next.FilesSkipped
	acc.FilesDeleted += next.FilesDeleted
	acc.FilesErrored += next.FilesErrored
	acc.BytesCopied += next.BytesCopied
	acc.Actions = append(acc.Actions, next.Actions...)
	acc.FinishedAt = next.FinishedAt

	if statusRank(next.Status) > statusRank(acc.Status) {
		acc.Status = next.Status
		acc.Error = next.Error
	}
	return acc
}

func statusRank(s JobStatus) int {
	switch s {
	case JobFailed:
		return 2
	case JobCancelled:
		return 1
	default:
		return 0
	}
}
