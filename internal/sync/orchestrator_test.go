package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeVolume(t *testing.T, root string) Target {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	return Target{
		VolumeSerial: filepath.Base(root),
		DestRoot:     filepath.Join(root, "VolSync"),
	}
}

func TestOrchestrator_FansOutAcrossVolumes(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "photos")
	writeFile(t, filepath.Join(src, "a.jpg"), "aa")
	writeFile(t, filepath.Join(src, "b.jpg"), "bbb")

	targets := []Target{
		makeVolume(t, filepath.Join(tmp, "VOL1")),
		makeVolume(t, filepath.Join(tmp, "VOL2")),
		makeVolume(t, filepath.Join(tmp, "VOL3")),
	}

	orch := NewOrchestrator(newFakeStore(), nil, Options{})
	results := orch.Run(context.Background(), []string{src}, targets)

	require.Len(t, results, 3, "one result per volume serial")
	for _, target := range targets {
		result, ok := results[target.VolumeSerial]
		require.True(t, ok)
		assert.Equal(t, JobCompleted, result.Status)
		assert.Equal(t, 2, result.FilesCopied)

		got, err := os.ReadFile(filepath.Join(target.DestRoot, "photos", "a.jpg"))
		require.NoError(t, err)
		assert.Equal(t, "aa", string(got))
	}
}

func TestOrchestrator_MultipleSourcesMergedPerVolume(t *testing.T) {
	tmp := t.TempDir()
	src1 := filepath.Join(tmp, "docs")
	src2 := filepath.Join(tmp, "music")
	writeFile(t, filepath.Join(src1, "a.txt"), "a")
	writeFile(t, filepath.Join(src2, "b.mp3"), "bb")

	target := makeVolume(t, filepath.Join(tmp, "VOL1"))

	orch := NewOrchestrator(nil, nil, Options{})
	results := orch.Run(context.Background(), []string{src1, src2}, []Target{target})

	result := results[target.VolumeSerial]
	require.NotNil(t, result)
	assert.Equal(t, JobCompleted, result.Status)
	assert.Equal(t, 2, result.FilesCopied, "counters fold across sources")
	assert.Equal(t, int64(3), result.BytesCopied)

	// Each source lands under its own basename on the volume.
	_, err := os.Stat(filepath.Join(target.DestRoot, "docs", "a.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(target.DestRoot, "music", "b.mp3"))
	assert.NoError(t, err)
}

func TestOrchestrator_OneVolumeFailingDoesNotCancelSiblings(t *testing.T) {
	tmp := t.TempDir()
	goodSrc := filepath.Join(tmp, "docs")
	writeFile(t, filepath.Join(goodSrc, "a.txt"), "a")
	missingSrc := filepath.Join(tmp, "nope")

	good := makeVolume(t, filepath.Join(tmp, "VOL1"))
	alsoGood := makeVolume(t, filepath.Join(tmp, "VOL2"))

	orch := NewOrchestrator(nil, nil, Options{})

	// Volume-level failure comes from a bad source; both volumes see both
	// sources, so both fold in one failed job, but the good source still
	// syncs everywhere.
	results := orch.Run(context.Background(), []string{goodSrc, missingSrc}, []Target{good, alsoGood})

	for _, serial := range []string{"VOL1", "VOL2"} {
		result := results[serial]
		require.NotNil(t, result)
		assert.Equal(t, JobFailed, result.Status, "worst status wins in the merge")
		assert.Equal(t, 1, result.FilesCopied, "good source synced despite the failure")
		assert.NotEmpty(t, result.Error)
	}

	_, err := os.Stat(filepath.Join(good.DestRoot, "docs", "a.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(alsoGood.DestRoot, "docs", "a.txt"))
	assert.NoError(t, err)
}

func TestOrchestrator_VolumeOutcomesAreIndependent(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "docs")
	writeFile(t, filepath.Join(src, "a.txt"), "a")

	healthy := makeVolume(t, filepath.Join(tmp, "VOL1"))

	// VOL2's sync root is occupied by a regular file, so every transfer to
	// it fails while VOL1 keeps copying.
	brokenRoot := filepath.Join(tmp, "VOL2")
	require.NoError(t, os.MkdirAll(brokenRoot, 0o755))
	broken := Target{
		VolumeSerial: "VOL2",
		DestRoot:     filepath.Join(brokenRoot, "VolSync"),
	}
	writeFile(t, broken.DestRoot, "not a directory")

	orch := NewOrchestrator(nil, nil, Options{
		Transfer: TransferOptions{Retries: 1, RetryDelay: time.Millisecond},
	})
	results := orch.Run(context.Background(), []string{src}, []Target{healthy, broken})

	good := results["VOL1"]
	require.NotNil(t, good)
	assert.Equal(t, JobCompleted, good.Status)
	assert.Equal(t, 1, good.FilesCopied)
	assert.Zero(t, good.FilesErrored)

	bad := results["VOL2"]
	require.NotNil(t, bad)
	assert.Equal(t, 1, bad.FilesErrored, "per-file failures stay on their own volume")
	assert.Zero(t, bad.FilesCopied)
}

func TestOrchestrator_TruncatesToMaxVolumes(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "docs")
	writeFile(t, filepath.Join(src, "a.txt"), "a")

	var targets []Target
	for _, name := range []string{"V1", "V2", "V3", "V4", "V5"} {
		targets = append(targets, makeVolume(t, filepath.Join(tmp, name)))
	}

	orch := NewOrchestrator(nil, nil, Options{})
	results := orch.Run(context.Background(), []string{src}, targets)

	assert.Len(t, results, MaxVolumes)
	assert.NotContains(t, results, "V4")
	assert.NotContains(t, results, "V5")
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "docs")
	writeFile(t, filepath.Join(src, "a.txt"), "a")

	target := makeVolume(t, filepath.Join(tmp, "VOL1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := NewOrchestrator(nil, nil, Options{})
	results := orch.Run(ctx, []string{src}, []Target{target})

	result := results[target.VolumeSerial]
	require.NotNil(t, result)
	assert.Equal(t, JobCancelled, result.Status)
}

func TestOrchestrator_NoSourcesCompletesEmpty(t *testing.T) {
	tmp := t.TempDir()
	target := makeVolume(t, filepath.Join(tmp, "VOL1"))

	orch := NewOrchestrator(nil, nil, Options{})
	results := orch.Run(context.Background(), nil, []Target{target})

	result := results[target.VolumeSerial]
	require.NotNil(t, result)
	assert.Equal(t, JobCompleted, result.Status)
	assert.Zero(t, result.FilesCopied)
}

func TestMergeResults_WorstStatusWins(t *testing.T) {
	completed := &JobResult{Status: JobCompleted, FilesCopied: 2, BytesCopied: 10}
	failed := &JobResult{Status: JobFailed, FilesErrored: 1, Error: "boom"}
	cancelled := &JobResult{Status: JobCancelled}

	merged := mergeResults(nil, completed)
	merged = mergeResults(merged, cancelled)
	assert.Equal(t, JobCancelled, merged.Status)

	merged = mergeResults(merged, failed)
	assert.Equal(t, JobFailed, merged.Status)
	assert.Equal(t, "boom", merged.Error)
	assert.Equal(t, 2, merged.FilesCopied)
	assert.Equal(t, 1, merged.FilesErrored)

	// A later success does not paper over an earlier failure.
	merged = mergeResults(merged, &JobResult{Status: JobCompleted, FilesCopied: 1})
	assert.Equal(t, JobFailed, merged.Status)
	assert.Equal(t, 3, merged.FilesCopied)
}
