package sync

import (
	"fmt"
	"path"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// ConflictPolicy decides what happens when a path changed on both sides
// relative to the last synced state.
type ConflictPolicy string

const (
	// KeepBoth renames the incoming copy with a UTC timestamp suffix so
	// neither version is lost. This is the safe default.
	KeepBoth ConflictPolicy = "keep_both"
	// PreferSource overwrites the destination with the source version.
	// The losing version is NOT retained; recorded as an overwrite.
	PreferSource ConflictPolicy = "prefer_source"
	// PreferDest overwrites the source with the destination version.
	PreferDest ConflictPolicy = "prefer_destination"
)

type OpType uint8

const (
	OpCopy OpType = iota
	OpOverwrite
	OpDelete
	OpSkip
	OpConflict
)

var opTypeNames = []string{"copy", "overwrite", "delete", "skip", "conflict"}

func (op OpType) String() string {
	return opTypeNames[op]
}

// PlanOp is one executable entry of a Plan.
type PlanOp struct {
	Type    OpType
	RelPath string
	Size    int64
	// ToSource means the write/delete lands on the source side (three-way
	// plans can move files in both directions).
	ToSource bool
	// RenamedPath is the conflict-renamed destination for keep_both entries.
	RenamedPath string
}

// Plan is the side-effect-free result of comparing two (or three) trees.
// The four sets partition the union of both trees' keys; Ops carries the
// per-path execution detail in a stable order.
type Plan struct {
	Copies    mapset.Set[string]
	Deletes   mapset.Set[string]
	Skips     mapset.Set[string]
	Conflicts mapset.Set[string]

	Ops []*PlanOp
}

func newPlan() *Plan {
	return &Plan{
		Copies:    mapset.NewSet[string](),
		Deletes:   mapset.NewSet[string](),
		Skips:     mapset.NewSet[string](),
		Conflicts: mapset.NewSet[string](),
	}
}

// CopyBytes returns the total payload of copy, overwrite and conflict entries.
func (p *Plan) CopyBytes() int64 {
	var total int64
	for _, op := range p.Ops {
		switch op.Type {
		case OpCopy, OpOverwrite, OpConflict:
			total += op.Size
		}
	}
	return total
}

func (p *Plan) addCopy(rel string, size int64, toSource bool) {
	p.Copies.Add(rel)
	p.Ops = append(p.Ops, &PlanOp{Type: OpCopy, RelPath: rel, Size: size, ToSource: toSource})
}

func (p *Plan) addOverwrite(rel string, size int64, toSource bool) {
	p.Conflicts.Add(rel)
	p.Ops = append(p.Ops, &PlanOp{Type: OpOverwrite, RelPath: rel, Size: size, ToSource: toSource})
}

func (p *Plan) addDelete(rel string, toSource bool) {
	p.Deletes.Add(rel)
	p.Ops = append(p.Ops, &PlanOp{Type: OpDelete, RelPath: rel, ToSource: toSource})
}

func (p *Plan) addSkip(rel string, size int64) {
	p.Skips.Add(rel)
	p.Ops = append(p.Ops, &PlanOp{Type: OpSkip, RelPath: rel, Size: size})
}

func (p *Plan) addConflict(rel, renamed string, size int64) {
	p.Conflicts.Add(rel)
	p.Ops = append(p.Ops, &PlanOp{Type: OpConflict, RelPath: rel, Size: size, RenamedPath: renamed})
}

// BuildOneWay compares a source tree against a destination tree and plans a
// one-directional sync. With mirror set, destination entries absent from the
// source are deleted; otherwise they are left alone and recorded as skips.
func BuildOneWay(src, dst Tree, mirror, useHash bool) *Plan {
	plan := newPlan()

	for rel, srcFP := range src {
		dstFP, exists := dst[rel]
		if !exists || !srcFP.Equal(dstFP, useHash) {
			plan.addCopy(rel, srcFP.Size, false)
		} else {
			plan.addSkip(rel, srcFP.Size)
		}
	}

	for rel := range dst {
		if _, exists := src[rel]; exists {
			continue
		}
		if mirror {
			plan.addDelete(rel, false)
		} else {
			plan.addSkip(rel, dst[rel].Size)
		}
	}

	return plan
}

// BuildThreeWay compares source and destination trees against the last
// synced base state and plans a bidirectional sync. The base distinguishes
// genuine conflicts (changed on both sides) from one-sided changes.
func BuildThreeWay(src, dst, base Tree, policy ConflictPolicy, mirror, useHash bool, now time.Time) *Plan {
	plan := newPlan()

	allPaths := mapset.NewSet[string]()
	for rel := range src {
		allPaths.Add(rel)
	}
	for rel := range dst {
		allPaths.Add(rel)
	}
	for rel := range base {
		allPaths.Add(rel)
	}

	for rel := range allPaths.Iter() {
		srcFP, srcExists := src[rel]
		dstFP, dstExists := dst[rel]
		baseFP, baseExists := base[rel]

		srcChanged := srcExists && (!baseExists || !srcFP.Equal(baseFP, useHash))
		dstChanged := dstExists && (!baseExists || !dstFP.Equal(baseFP, useHash))

		switch {
		case !srcExists && !dstExists:
			// Deleted on both sides; nothing left to sync.
			plan.addSkip(rel, 0)

		case srcExists && dstExists:
			if srcChanged && dstChanged {
				if srcFP.Equal(dstFP, useHash) {
					// Changed identically on both sides: already in sync.
					plan.addSkip(rel, srcFP.Size)
					break
				}
				switch policy {
				case PreferSource:
					plan.addOverwrite(rel, srcFP.Size, false)
				case PreferDest:
					plan.addOverwrite(rel, dstFP.Size, true)
				default:
					plan.addConflict(rel, ConflictRename(rel, now), srcFP.Size)
				}
			} else if srcChanged {
				plan.addCopy(rel, srcFP.Size, false)
			} else if dstChanged {
				plan.addCopy(rel, dstFP.Size, true)
			} else {
				plan.addSkip(rel, srcFP.Size)
			}

		case srcExists:
			if baseExists && !srcChanged {
				// Deleted on destination, unchanged on source: propagate
				// the deletion when mirroring, otherwise leave the source.
				if mirror {
					plan.addDelete(rel, true)
				} else {
					plan.addSkip(rel, srcFP.Size)
				}
			} else {
				// New on source, or modified after the destination deleted
				// it. The surviving change wins.
				plan.addCopy(rel, srcFP.Size, false)
			}

		default: // dstExists only
			if baseExists && !dstChanged {
				if mirror {
					plan.addDelete(rel, false)
				} else {
					plan.addSkip(rel, dstFP.Size)
				}
			} else {
				plan.addCopy(rel, dstFP.Size, true)
			}
		}
	}

	return plan
}

// ConflictRename appends a UTC timestamp to the filename stem, before the
// extension: "docs/report.txt" -> "docs/report_20260224T143000Z.txt".
func ConflictRename(rel string, now time.Time) string {
	dir, name := path.Split(rel)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfiles: ".hidden" is a stem, not an extension
		stem, ext = name, ""
	}
	stamp := now.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%s%s_%s%s", dir, stem, stamp, ext)
}
