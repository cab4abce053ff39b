package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/volsync/volsync/internal/store"
	syncpkg "github.com/volsync/volsync/internal/sync"
	"github.com/volsync/volsync/internal/utils"
	"github.com/volsync/volsync/internal/volume"
)

func runSync(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	showHeader()

	st, err := store.Open(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer st.Close()

	sources := viper.GetStringSlice("sources")
	serials := viper.GetStringSlice("volumes")
	direction := syncpkg.Direction(viper.GetString("direction"))
	useHash := viper.GetBool("use_hash")
	mirror := viper.GetBool("mirror")
	policy := syncpkg.ConflictPolicy(viper.GetString("conflict_policy"))
	destRoot := viper.GetString("dest_root")

	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		session, err := st.LoadSession()
		if err != nil {
			return fmt.Errorf("load last session: %w", err)
		}
		if len(sources) == 0 {
			sources = session.Sources
		}
		if len(serials) == 0 {
			for _, t := range session.Targets {
				serials = append(serials, t.VolumeSerial)
			}
		}
		direction = session.Direction
		useHash = session.UseHash
		mirror = session.Mirror
		policy = session.Policy
	}

	if len(sources) == 0 {
		return fmt.Errorf("no sources given; use --source")
	}
	if len(serials) == 0 {
		return fmt.Errorf("no destination volumes given; use --volume (see `volsync volumes`)")
	}

	for i, src := range sources {
		resolved, err := utils.ResolvePath(src)
		if err != nil {
			return fmt.Errorf("source %q: %w", src, err)
		}
		sources[i] = resolved
	}

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		slog.Info("waiting for volumes", "volumes", serials)
		if err := waitForVolumes(cmd.Context(), serials); err != nil {
			return err
		}
	}

	targets, err := resolveTargets(cmd.Context(), serials, destRoot, direction, useHash, mirror, policy)
	if err != nil {
		return err
	}

	bus := syncpkg.NewBus(1024)
	consumerDone := make(chan struct{})
	go consumeEvents(bus, consumerDone)

	orch := syncpkg.NewOrchestrator(st, bus, syncpkg.Options{
		MachineID: volume.MachineID(),
	})

	slog.Info("sync start", "sources", len(sources), "volumes", len(targets), "direction", direction)
	results := orch.Run(cmd.Context(), sources, targets)

	bus.Close()
	<-consumerDone

	saveSession(st, sources, targets, direction, useHash, mirror, policy)

	var failed bool
	for serial, result := range results {
		line := fmt.Sprintf("%s: %s - %d copied, %d skipped, %d deleted, %d errored, %s",
			serial, result.Status, result.FilesCopied, result.FilesSkipped,
			result.FilesDeleted, result.FilesErrored, humanize.Bytes(uint64(result.BytesCopied)))
		switch result.Status {
		case syncpkg.JobCompleted:
			fmt.Println(green(line))
		default:
			fmt.Println(red(line))
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("one or more volumes did not complete")
	}
	return nil
}

func resolveTargets(ctx context.Context, serials []string, destRoot string, direction syncpkg.Direction, useHash, mirror bool, policy syncpkg.ConflictPolicy) ([]syncpkg.Target, error) {
	mounted, err := volume.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate volumes: %w", err)
	}

	bySerial := make(map[string]*volume.Info, len(mounted))
	for _, v := range mounted {
		bySerial[v.Serial] = v
	}

	var targets []syncpkg.Target
	for _, serial := range serials {
		v, ok := bySerial[serial]
		if !ok {
			return nil, fmt.Errorf("volume %q is not mounted", serial)
		}
		targets = append(targets, syncpkg.Target{
			VolumeSerial: v.Serial,
			VolumeLabel:  v.Label,
			DestRoot:     filepath.Join(v.MountPath, destRoot),
			Direction:    direction,
			UseHash:      useHash,
			Mirror:       mirror,
			Policy:       policy,
		})
	}
	return targets, nil
}

// waitForVolumes blocks until every requested serial is mounted or ctx is
// cancelled. Volumes already present satisfy the wait immediately.
func waitForVolumes(ctx context.Context, serials []string) error {
	wanted := mapset.NewSet(serials...)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := volume.NewMonitor(func(volumes []*volume.Info) {
		present := mapset.NewSet[string]()
		for _, v := range volumes {
			present.Add(v.Serial)
		}
		if wanted.Difference(present).IsEmpty() {
			cancel()
		}
	})
	monitor.Watch(watchCtx)

	return ctx.Err()
}

func consumeEvents(bus *syncpkg.Bus, done chan<- struct{}) {
	defer close(done)
	for ev := range bus.Events() {
		switch e := ev.(type) {
		case syncpkg.FileActionEvent:
			if e.Error != "" {
				slog.Error("file", "volume", e.Volume, "action", e.Action, "path", e.RelPath, "error", e.Error)
			} else {
				slog.Debug("file", "volume", e.Volume, "action", e.Action, "path", e.RelPath, "size", e.Size)
			}
		case syncpkg.ProgressEvent:
			slog.Debug("progress",
				"volume", e.Volume,
				"files", fmt.Sprintf("%d/%d", e.FilesDone, e.FilesTotal),
				"bytes", fmt.Sprintf("%s/%s", humanize.Bytes(uint64(e.BytesDone)), humanize.Bytes(uint64(e.BytesTotal))),
				"current", e.CurrentFile)
		case syncpkg.JobCompleteEvent:
			slog.Info("job complete", "volume", e.Volume, "status", e.Status)
		case syncpkg.LogEvent:
			// Engine log lines already reach slog directly; nothing to add.
		}
	}
}

func saveSession(st *store.Store, sources []string, targets []syncpkg.Target, direction syncpkg.Direction, useHash, mirror bool, policy syncpkg.ConflictPolicy) {
	session := &store.Session{
		Sources:   sources,
		Direction: direction,
		UseHash:   useHash,
		Mirror:    mirror,
		Policy:    policy,
	}
	for _, t := range targets {
		session.Targets = append(session.Targets, store.SessionTarget{
			VolumeSerial: t.VolumeSerial,
			VolumeLabel:  t.VolumeLabel,
			DestRoot:     t.DestRoot,
		})
	}
	if err := st.SaveSession(session); err != nil {
		slog.Warn("save session", "error", err)
	}
}
