package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/volsync/volsync/internal/utils"
)

// DefaultTransferWorkers bounds concurrent atomic transfers within one job.
const DefaultTransferWorkers = 4

type Direction string

const (
	SourceToDest  Direction = "source_to_dest"
	DestToSource  Direction = "dest_to_source"
	Bidirectional Direction = "bidirectional"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScanning  JobStatus = "scanning"
	JobPlanning  JobStatus = "planning"
	JobExecuting JobStatus = "executing"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// FileActionRecord is one per-file outcome inside a JobResult.
type FileActionRecord struct {
	RelPath string
	Action  string
	Size    int64
	Error   string
}

// JobResult is created at job start, mutated only by the job's aggregator
// goroutine, and never touched again after hand-off.
type JobResult struct {
	ID           uuid.UUID
	VolumeSerial string
	Status       JobStatus
	FilesCopied  int
	FilesSkipped int
	FilesDeleted int
	FilesErrored int
	BytesCopied  int64
	StartedAt    time.Time
	FinishedAt   time.Time
	Actions      []FileActionRecord
	Error        string
}

// HistoryContext carries job identity for the history collaborator.
type HistoryContext struct {
	SourcePath   string
	DestPath     string
	VolumeSerial string
	VolumeLabel  string
	MachineID    string
}

// Store is the persistence collaborator. The engine calls it synchronously
// and treats any failure as non-fatal: the record is lost, the job goes on.
type Store interface {
	// FileStates returns the last synced fingerprints for a source/volume
	// pair, keyed by relative path. Used as the three-way merge base.
	FileStates(sourceRoot, volumeSerial string) (Tree, error)
	// SaveFileStates records fingerprints of successfully synced files.
	SaveFileStates(sourceRoot, volumeSerial string, states []*Fingerprint) error
	// SaveHistory persists a finalized job result.
	SaveHistory(result *JobResult, hctx HistoryContext) error
}

// JobConfig describes one source/destination pair on one volume.
type JobConfig struct {
	SourcePath   string
	DestPath     string
	VolumeSerial string
	VolumeLabel  string

	Direction Direction
	UseHash   bool
	// Mirror deletes destination entries absent from the source instead of
	// leaving them alone.
	Mirror bool
	Policy ConflictPolicy

	ScanWorkers     int
	TransferWorkers int
	Transfer        TransferOptions
	IgnoreLines     []string
	MachineID       string
}

func (c *JobConfig) withDefaults() {
	if c.Direction == "" {
		c.Direction = SourceToDest
	}
	if c.Policy == "" {
		c.Policy = KeepBoth
	}
	if c.TransferWorkers <= 0 {
		c.TransferWorkers = DefaultTransferWorkers
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = DefaultScanWorkers
	}
}

// Job executes one TransferPlan against one source/destination pair.
// Pending -> Scanning -> Planning -> Executing -> Completed|Cancelled|Failed.
type Job struct {
	cfg   JobConfig
	store Store
	bus   *Bus
}

// NewJob builds a job. store may be nil (in-memory only run); bus may be
// nil when no one is watching.
func NewJob(cfg JobConfig, store Store, bus *Bus) *Job {
	cfg.withDefaults()
	return &Job{cfg: cfg, store: store, bus: bus}
}

// Run drives the job to a terminal state and returns the finalized result.
// Cancelling ctx drains in-flight transfers and yields JobCancelled; only a
// failure to produce a plan at all yields JobFailed.
func (j *Job) Run(ctx context.Context) *JobResult {
	result := &JobResult{
		ID:           uuid.New(),
		VolumeSerial: j.cfg.VolumeSerial,
		Status:       JobPending,
		StartedAt:    time.Now().UTC(),
	}

	j.logf(slog.LevelInfo, "scanning %s", j.cfg.SourcePath)
	result.Status = JobScanning
	srcTree, dstTree, err := j.scanBothSides(ctx)
	if err != nil {
		return j.finish(ctx, result, err)
	}

	result.Status = JobPlanning
	plan, err := j.buildPlan(ctx, srcTree, dstTree)
	if err != nil {
		return j.finish(ctx, result, err)
	}
	j.logf(slog.LevelInfo, "plan: %d copy, %d conflict, %d delete, %d skip",
		plan.Copies.Cardinality(), plan.Conflicts.Cardinality(),
		plan.Deletes.Cardinality(), plan.Skips.Cardinality())

	result.Status = JobExecuting
	j.execute(ctx, plan, result)

	j.saveFileStates(plan, result, srcTree, dstTree)
	return j.finish(ctx, result, nil)
}

func (j *Job) scanBothSides(ctx context.Context) (srcTree, dstTree Tree, err error) {
	ignore := NewIgnoreList(j.cfg.IgnoreLines...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scanner := NewScanner(WithHashing(j.cfg.UseHash), WithScanWorkers(j.cfg.ScanWorkers), WithIgnoreList(ignore))
		tree, scanErr := scanner.Scan(gctx, j.cfg.SourcePath)
		if scanErr != nil {
			return fmt.Errorf("scan source: %w", scanErr)
		}
		srcTree = tree
		return nil
	})
	g.Go(func() error {
		// A destination root that does not exist yet is an empty tree; it
		// will be created by the first copy.
		if !utils.DirExists(j.cfg.DestPath) && !utils.FileExists(j.cfg.DestPath) {
			dstTree = make(Tree)
			return nil
		}
		scanner := NewScanner(WithHashing(j.cfg.UseHash), WithScanWorkers(j.cfg.ScanWorkers), WithIgnoreList(ignore))
		tree, scanErr := scanner.Scan(gctx, j.cfg.DestPath)
		if scanErr != nil {
			return fmt.Errorf("scan destination: %w", scanErr)
		}
		dstTree = tree
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return srcTree, dstTree, nil
}

func (j *Job) buildPlan(ctx context.Context, srcTree, dstTree Tree) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch j.cfg.Direction {
	case DestToSource:
		return BuildOneWay(dstTree, srcTree, j.cfg.Mirror, j.cfg.UseHash), nil
	case Bidirectional:
		base := make(Tree)
		if j.store != nil {
			states, err := j.store.FileStates(j.cfg.SourcePath, j.cfg.VolumeSerial)
			if err != nil {
				// StorageError: continue with an empty base, which treats
				// everything as changed and errs toward conflicts, never
				// toward silent overwrites.
				slog.Error("load file states", "source", j.cfg.SourcePath, "volume", j.cfg.VolumeSerial, "error", err)
			} else {
				base = states
			}
		}
		return BuildThreeWay(srcTree, dstTree, base, j.cfg.Policy, j.cfg.Mirror, j.cfg.UseHash, time.Now()), nil
	default:
		return BuildOneWay(srcTree, dstTree, j.cfg.Mirror, j.cfg.UseHash), nil
	}
}

// progressUpdate is the message workers send to the job's aggregator. The
// aggregator goroutine is the only writer of counters and JobResult.
type progressUpdate struct {
	bytesDelta  int64
	currentFile string
	record      *FileActionRecord
}

func (j *Job) execute(ctx context.Context, plan *Plan, result *JobResult) {
	filesTotal := len(plan.Ops)
	bytesTotal := plan.CopyBytes()

	updates := make(chan progressUpdate, 256)
	aggDone := make(chan struct{})

	go func() {
		defer close(aggDone)
		var filesDone int
		var bytesDone int64
		j.publish(ProgressEvent{Volume: j.cfg.VolumeSerial, FilesTotal: filesTotal, BytesTotal: bytesTotal})
		for up := range updates {
			bytesDone += up.bytesDelta
			if up.record != nil {
				filesDone++
				j.applyRecord(result, up.record)
				j.publish(FileActionEvent{
					Volume:  j.cfg.VolumeSerial,
					Action:  up.record.Action,
					RelPath: up.record.RelPath,
					Size:    up.record.Size,
					Error:   up.record.Error,
				})
			}
			j.publish(ProgressEvent{
				Volume:      j.cfg.VolumeSerial,
				FilesDone:   filesDone,
				FilesTotal:  filesTotal,
				BytesDone:   bytesDone,
				BytesTotal:  bytesTotal,
				CurrentFile: up.currentFile,
			})
		}
	}()

	// Copies, overwrites and conflict copies run on a bounded pool. Deletes
	// and skips are applied sequentially afterwards.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.TransferWorkers)

	for _, op := range plan.Ops {
		switch op.Type {
		case OpCopy, OpOverwrite, OpConflict:
		default:
			continue
		}
		op := op
		g.Go(func() error {
			// Raised cancellation stops new dispatches; transfers already
			// past this check drain through Transfer's own chunk checks.
			if gctx.Err() != nil {
				return nil
			}
			j.runTransferOp(gctx, op, updates)
			return nil
		})
	}
	_ = g.Wait()

	for _, op := range plan.Ops {
		if op.Type != OpDelete || ctx.Err() != nil {
			continue
		}
		j.runDeleteOp(ctx, op, updates)
	}

	for _, op := range plan.Ops {
		if op.Type != OpSkip || ctx.Err() != nil {
			continue
		}
		updates <- progressUpdate{record: &FileActionRecord{RelPath: op.RelPath, Action: "skip", Size: op.Size}}
	}

	close(updates)
	<-aggDone
}

func (j *Job) runTransferOp(ctx context.Context, op *PlanOp, updates chan<- progressUpdate) {
	from, to := j.transferPaths(op)

	var lastReported int64
	progress := func(written int64) {
		delta := written - lastReported
		lastReported = written
		updates <- progressUpdate{bytesDelta: delta, currentFile: op.RelPath}
	}

	_, err := Transfer(ctx, from, to, progress, j.cfg.Transfer)
	switch {
	case err == nil:
		updates <- progressUpdate{record: &FileActionRecord{RelPath: op.RelPath, Action: op.Type.String(), Size: op.Size}}
	case ctx.Err() != nil:
		// Cancelled mid-copy: the partial temp file is already cleaned up,
		// nothing to record.
		updates <- progressUpdate{bytesDelta: -lastReported}
	default:
		slog.Error("transfer failed", "path", op.RelPath, "error", err)
		updates <- progressUpdate{
			bytesDelta: -lastReported,
			record:     &FileActionRecord{RelPath: op.RelPath, Action: "error", Size: op.Size, Error: err.Error()},
		}
	}
}

func (j *Job) runDeleteOp(ctx context.Context, op *PlanOp, updates chan<- progressUpdate) {
	root := j.deleteRoot(op)
	target := filepath.Join(root, utils.SysPath(op.RelPath))

	if err := DeleteFile(ctx, target, root, j.cfg.Transfer); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("delete failed", "path", op.RelPath, "error", err)
		updates <- progressUpdate{record: &FileActionRecord{RelPath: op.RelPath, Action: "error", Error: err.Error()}}
		return
	}
	updates <- progressUpdate{record: &FileActionRecord{RelPath: op.RelPath, Action: "delete"}}
}

// deleteRoot resolves which side a delete lands on. A dest_to_source plan is
// built with the trees swapped, so its ops carry inverted ToSource flags:
// extraneous files it deletes live on the actual source.
func (j *Job) deleteRoot(op *PlanOp) string {
	toSource := op.ToSource
	if j.cfg.Direction == DestToSource {
		toSource = !toSource
	}
	if toSource {
		return j.sourceRoot()
	}
	return j.cfg.DestPath
}

// transferPaths resolves the absolute from/to paths of one transfer op,
// honoring direction and conflict renames.
func (j *Job) transferPaths(op *PlanOp) (from, to string) {
	srcRoot := j.sourceRoot()
	rel := utils.SysPath(op.RelPath)

	switch j.cfg.Direction {
	case DestToSource:
		return filepath.Join(j.cfg.DestPath, rel), filepath.Join(srcRoot, rel)
	case Bidirectional:
		if op.Type == OpConflict {
			// keep_both lands the source version next to the untouched
			// destination version under the renamed path.
			return filepath.Join(srcRoot, rel), filepath.Join(j.cfg.DestPath, utils.SysPath(op.RenamedPath))
		}
		if op.ToSource {
			return filepath.Join(j.cfg.DestPath, rel), filepath.Join(srcRoot, rel)
		}
		return filepath.Join(srcRoot, rel), filepath.Join(j.cfg.DestPath, rel)
	default:
		return filepath.Join(srcRoot, rel), filepath.Join(j.cfg.DestPath, rel)
	}
}

// sourceRoot is the directory that relative paths join against. A single
// file source scans as its basename, so its parent is the root.
func (j *Job) sourceRoot() string {
	if info, err := os.Stat(j.cfg.SourcePath); err == nil && !info.IsDir() {
		return filepath.Dir(j.cfg.SourcePath)
	}
	return j.cfg.SourcePath
}

func (j *Job) applyRecord(result *JobResult, rec *FileActionRecord) {
	result.Actions = append(result.Actions, *rec)
	switch rec.Action {
	case "copy", "overwrite", "conflict":
		result.FilesCopied++
		result.BytesCopied += rec.Size
	case "delete":
		result.FilesDeleted++
	case "skip":
		result.FilesSkipped++
	case "error":
		result.FilesErrored++
	}
}

// saveFileStates hands the fingerprints of successfully synced files to the
// storage collaborator. Conflict copies are excluded: after keep_both the
// two sides still disagree at that path.
func (j *Job) saveFileStates(plan *Plan, result *JobResult, srcTree, dstTree Tree) {
	if j.store == nil {
		return
	}

	succeeded := make(map[string]struct{}, len(result.Actions))
	for _, rec := range result.Actions {
		if rec.Action == "copy" || rec.Action == "overwrite" {
			succeeded[rec.RelPath] = struct{}{}
		}
	}

	var states []*Fingerprint
	for _, op := range plan.Ops {
		if _, ok := succeeded[op.RelPath]; !ok {
			continue
		}
		tree := srcTree
		if op.ToSource || j.cfg.Direction == DestToSource {
			tree = dstTree
		}
		if fp, ok := tree[op.RelPath]; ok {
			states = append(states, fp)
		}
	}

	if len(states) == 0 {
		return
	}
	if err := j.store.SaveFileStates(j.cfg.SourcePath, j.cfg.VolumeSerial, states); err != nil {
		slog.Error("save file states", "volume", j.cfg.VolumeSerial, "error", err)
	}
}

func (j *Job) finish(ctx context.Context, result *JobResult, fatal error) *JobResult {
	result.FinishedAt = time.Now().UTC()

	switch {
	case fatal != nil && ctx.Err() == nil:
		result.Status = JobFailed
		result.Error = fatal.Error()
		slog.Error("job failed", "source", j.cfg.SourcePath, "volume", j.cfg.VolumeSerial, "error", fatal)
	case ctx.Err() != nil:
		result.Status = JobCancelled
	default:
		result.Status = JobCompleted
	}

	if j.store != nil {
		hctx := HistoryContext{
			SourcePath:   j.cfg.SourcePath,
			DestPath:     j.cfg.DestPath,
			VolumeSerial: j.cfg.VolumeSerial,
			VolumeLabel:  j.cfg.VolumeLabel,
			MachineID:    j.cfg.MachineID,
		}
		if err := j.store.SaveHistory(result, hctx); err != nil {
			slog.Error("save history", "volume", j.cfg.VolumeSerial, "error", err)
		}
	}

	j.publish(JobCompleteEvent{Volume: j.cfg.VolumeSerial, Status: result.Status, Result: result})
	j.logf(levelFor(result.Status), "%s - %d files, %s",
		result.Status, result.FilesCopied, humanize.Bytes(uint64(result.BytesCopied)))

	return result
}

func levelFor(status JobStatus) slog.Level {
	if status == JobCompleted {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

func (j *Job) publish(ev Event) {
	if j.bus != nil {
		j.bus.Publish(ev)
	}
}

func (j *Job) logf(level slog.Level, format string, args ...any) {
	msg := fmt.Sprintf("[%s:%s] %s", j.cfg.VolumeSerial, filepath.Base(j.cfg.SourcePath), fmt.Sprintf(format, args...))
	slog.Log(context.Background(), level, msg)
	j.publish(LogEvent{Level: level, Message: msg})
}
