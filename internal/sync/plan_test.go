package sync

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(rel string, size, mtime int64) *Fingerprint {
	return &Fingerprint{RelPath: rel, Size: size, ModTime: mtime}
}

func fph(rel string, size, mtime int64, hash string) *Fingerprint {
	return &Fingerprint{RelPath: rel, Size: size, ModTime: mtime, Hash: hash}
}

func TestBuildOneWay_IdenticalTreesIsIdempotent(t *testing.T) {
	tree := Tree{
		"a.txt":     fp("a.txt", 100, 1000),
		"sub/b.txt": fp("sub/b.txt", 5, 2000),
	}

	plan := BuildOneWay(tree, tree, false, false)

	assert.Equal(t, 0, plan.Copies.Cardinality())
	assert.Equal(t, 0, plan.Deletes.Cardinality())
	assert.Equal(t, 0, plan.Conflicts.Cardinality())
	assert.Equal(t, 2, plan.Skips.Cardinality())
}

func TestBuildOneWay_NewFileIsCopied(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 100, 1000)}
	dst := Tree{}

	plan := BuildOneWay(src, dst, false, false)

	assert.True(t, plan.Copies.Contains("a.txt"))
	assert.Equal(t, 1, plan.Copies.Cardinality())
	assert.Equal(t, int64(100), plan.CopyBytes())
}

func TestBuildOneWay_SameSizeAndMtimeSkipsWithoutHash(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 100, 1000)}
	dst := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildOneWay(src, dst, false, false)

	assert.Equal(t, 0, plan.Copies.Cardinality())
	assert.True(t, plan.Skips.Contains("a.txt"))
}

func TestBuildOneWay_HashToggleChangesClassification(t *testing.T) {
	src := Tree{"a.txt": fph("a.txt", 100, 1000, "h1")}
	dst := Tree{"a.txt": fph("a.txt", 100, 1000, "h2")}

	withoutHash := BuildOneWay(src, dst, false, false)
	assert.True(t, withoutHash.Skips.Contains("a.txt"), "hashing off: equal size+mtime means same")

	withHash := BuildOneWay(src, dst, false, true)
	assert.True(t, withHash.Copies.Contains("a.txt"), "hashing on: differing hash means different")
}

func TestBuildOneWay_ModifiedFileIsRecopied(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 100, 2000)}
	dst := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildOneWay(src, dst, false, false)
	assert.True(t, plan.Copies.Contains("a.txt"))
}

func TestBuildOneWay_MirrorDeletesExactly(t *testing.T) {
	src := Tree{"keep.txt": fp("keep.txt", 1, 1)}
	dst := Tree{
		"keep.txt":  fp("keep.txt", 1, 1),
		"extra.txt": fp("extra.txt", 2, 2),
		"old/c.txt": fp("old/c.txt", 3, 3),
	}

	plan := BuildOneWay(src, dst, true, false)

	expected := mapset.NewSet("extra.txt", "old/c.txt")
	assert.True(t, plan.Deletes.Equal(expected), "to_delete must be exactly keys(dst)-keys(src)")
}

func TestBuildOneWay_NoMirrorLeavesExtraneous(t *testing.T) {
	src := Tree{}
	dst := Tree{"extra.txt": fp("extra.txt", 2, 2)}

	plan := BuildOneWay(src, dst, false, false)

	assert.Equal(t, 0, plan.Deletes.Cardinality())
	assert.True(t, plan.Skips.Contains("extra.txt"))
}

func TestBuildOneWay_SetsPartitionUnion(t *testing.T) {
	src := Tree{
		"a.txt": fp("a.txt", 1, 1),
		"b.txt": fp("b.txt", 2, 2),
	}
	dst := Tree{
		"b.txt": fp("b.txt", 2, 2),
		"c.txt": fp("c.txt", 3, 3),
	}

	plan := BuildOneWay(src, dst, true, false)

	union := plan.Copies.Union(plan.Deletes).Union(plan.Skips).Union(plan.Conflicts)
	assert.True(t, union.Equal(mapset.NewSet("a.txt", "b.txt", "c.txt")))

	assert.Equal(t, 0, plan.Copies.Intersect(plan.Skips).Cardinality())
	assert.Equal(t, 0, plan.Copies.Intersect(plan.Deletes).Cardinality())
	assert.Equal(t, 0, plan.Deletes.Intersect(plan.Skips).Cardinality())
}

func TestBuildThreeWay_UnchangedBothSides(t *testing.T) {
	tree := Tree{"a.txt": fp("a.txt", 100, 1000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildThreeWay(tree, tree, base, KeepBoth, false, false, time.Now())

	assert.True(t, plan.Skips.Contains("a.txt"))
	assert.Equal(t, 0, plan.Copies.Cardinality())
}

func TestBuildThreeWay_ChangedOnlyOnSource(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 200, 2000)}
	dst := Tree{"a.txt": fp("a.txt", 100, 1000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildThreeWay(src, dst, base, KeepBoth, false, false, time.Now())

	require.True(t, plan.Copies.Contains("a.txt"))
	op := findOp(plan, "a.txt")
	assert.False(t, op.ToSource)
}

func TestBuildThreeWay_ChangedOnlyOnDest(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 100, 1000)}
	dst := Tree{"a.txt": fp("a.txt", 200, 2000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildThreeWay(src, dst, base, KeepBoth, false, false, time.Now())

	require.True(t, plan.Copies.Contains("a.txt"))
	op := findOp(plan, "a.txt")
	assert.True(t, op.ToSource, "destination change flows back to source")
}

func TestBuildThreeWay_BothChangedIsConflict(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 200, 2000)}
	dst := Tree{"a.txt": fp("a.txt", 300, 3000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	now := time.Date(2026, 2, 24, 14, 30, 0, 0, time.UTC)
	plan := BuildThreeWay(src, dst, base, KeepBoth, false, false, now)

	require.True(t, plan.Conflicts.Contains("a.txt"))
	op := findOp(plan, "a.txt")
	assert.Equal(t, OpConflict, op.Type)
	assert.Equal(t, "a_20260224T143000Z.txt", op.RenamedPath)
}

func TestBuildThreeWay_IdenticalChangeIsNotConflict(t *testing.T) {
	changed := Tree{"a.txt": fp("a.txt", 200, 2000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	plan := BuildThreeWay(changed, changed, base, KeepBoth, false, false, time.Now())

	assert.Equal(t, 0, plan.Conflicts.Cardinality())
	assert.True(t, plan.Skips.Contains("a.txt"))
}

func TestBuildThreeWay_NewIdenticalOnBothSidesIsSkip(t *testing.T) {
	tree := Tree{"new.txt": fp("new.txt", 50, 500)}

	plan := BuildThreeWay(tree, tree, Tree{}, KeepBoth, false, false, time.Now())

	assert.Equal(t, 0, plan.Conflicts.Cardinality())
	assert.True(t, plan.Skips.Contains("new.txt"))
}

func TestBuildThreeWay_NewDifferentOnBothSidesIsConflict(t *testing.T) {
	src := Tree{"new.txt": fp("new.txt", 50, 500)}
	dst := Tree{"new.txt": fp("new.txt", 60, 600)}

	plan := BuildThreeWay(src, dst, Tree{}, KeepBoth, false, false, time.Now())

	assert.True(t, plan.Conflicts.Contains("new.txt"))
}

func TestBuildThreeWay_AddedOneSideCopiesToOther(t *testing.T) {
	src := Tree{"only-src.txt": fp("only-src.txt", 10, 100)}
	dst := Tree{"only-dst.txt": fp("only-dst.txt", 20, 200)}

	plan := BuildThreeWay(src, dst, Tree{}, KeepBoth, false, false, time.Now())

	srcOp := findOp(plan, "only-src.txt")
	require.NotNil(t, srcOp)
	assert.Equal(t, OpCopy, srcOp.Type)
	assert.False(t, srcOp.ToSource)

	dstOp := findOp(plan, "only-dst.txt")
	require.NotNil(t, dstOp)
	assert.Equal(t, OpCopy, dstOp.Type)
	assert.True(t, dstOp.ToSource)
}

func TestBuildThreeWay_DeletionPropagation(t *testing.T) {
	base := Tree{"gone.txt": fp("gone.txt", 10, 100)}
	remaining := Tree{"gone.txt": fp("gone.txt", 10, 100)}

	t.Run("mirror propagates delete to dest", func(t *testing.T) {
		plan := BuildThreeWay(Tree{}, remaining, base, KeepBoth, true, false, time.Now())
		require.True(t, plan.Deletes.Contains("gone.txt"))
		assert.False(t, findOp(plan, "gone.txt").ToSource)
	})

	t.Run("mirror propagates delete to source", func(t *testing.T) {
		plan := BuildThreeWay(remaining, Tree{}, base, KeepBoth, true, false, time.Now())
		require.True(t, plan.Deletes.Contains("gone.txt"))
		assert.True(t, findOp(plan, "gone.txt").ToSource)
	})

	t.Run("no mirror skips", func(t *testing.T) {
		plan := BuildThreeWay(Tree{}, remaining, base, KeepBoth, false, false, time.Now())
		assert.Equal(t, 0, plan.Deletes.Cardinality())
		assert.True(t, plan.Skips.Contains("gone.txt"))
	})

	t.Run("deleted on one side but modified on other recopies", func(t *testing.T) {
		modified := Tree{"gone.txt": fp("gone.txt", 99, 999)}
		plan := BuildThreeWay(modified, Tree{}, base, KeepBoth, true, false, time.Now())
		assert.True(t, plan.Copies.Contains("gone.txt"), "the surviving change wins over the deletion")
	})
}

func TestBuildThreeWay_ConflictPolicies(t *testing.T) {
	src := Tree{"a.txt": fp("a.txt", 200, 2000)}
	dst := Tree{"a.txt": fp("a.txt", 300, 3000)}
	base := Tree{"a.txt": fp("a.txt", 100, 1000)}

	t.Run("prefer_source overwrites dest", func(t *testing.T) {
		plan := BuildThreeWay(src, dst, base, PreferSource, false, false, time.Now())
		op := findOp(plan, "a.txt")
		require.NotNil(t, op)
		assert.Equal(t, OpOverwrite, op.Type)
		assert.False(t, op.ToSource)
		assert.Equal(t, int64(200), op.Size)
	})

	t.Run("prefer_destination overwrites source", func(t *testing.T) {
		plan := BuildThreeWay(src, dst, base, PreferDest, false, false, time.Now())
		op := findOp(plan, "a.txt")
		require.NotNil(t, op)
		assert.Equal(t, OpOverwrite, op.Type)
		assert.True(t, op.ToSource)
		assert.Equal(t, int64(300), op.Size)
	})
}

func TestBuildThreeWay_DeletedBothSides(t *testing.T) {
	base := Tree{"gone.txt": fp("gone.txt", 10, 100)}

	plan := BuildThreeWay(Tree{}, Tree{}, base, KeepBoth, true, false, time.Now())

	assert.Equal(t, 0, plan.Copies.Cardinality())
	assert.Equal(t, 0, plan.Deletes.Cardinality())
	assert.True(t, plan.Skips.Contains("gone.txt"))
}

func TestConflictRename(t *testing.T) {
	now := time.Date(2026, 2, 24, 14, 30, 0, 0, time.UTC)

	assert.Equal(t, "docs/report_20260224T143000Z.txt", ConflictRename("docs/report.txt", now))
	assert.Equal(t, "noext_20260224T143000Z", ConflictRename("noext", now))
	assert.Equal(t, "a/b/.hidden_20260224T143000Z", ConflictRename("a/b/.hidden", now))
}

func findOp(plan *Plan, rel string) *PlanOp {
	for _, op := range plan.Ops {
		if op.RelPath == rel {
			return op
		}
	}
	return nil
}
