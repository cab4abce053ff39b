// Package volume resolves destination volumes to stable identities.
// Mount paths and drive letters change across reconnection, so the engine
// addresses a volume only by its serial.
package volume

import (
	"context"
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/shirou/gopsutil/v4/disk"
)

// Info describes one mounted volume.
type Info struct {
	Serial    string
	MountPath string
	Label     string
	Device    string
	FsType    string
	FreeBytes uint64
	Removable bool
}

func (i *Info) DisplayName() string {
	label := i.Label
	if label == "" {
		label = "No Label"
	}
	return fmt.Sprintf("%s (%s)", i.MountPath, label)
}

// virtual filesystems that can never be sync destinations
var skippedFsTypes = map[string]struct{}{
	"proc": {}, "sysfs": {}, "devtmpfs": {}, "devpts": {}, "tmpfs": {},
	"cgroup": {}, "cgroup2": {}, "overlay": {}, "squashfs": {}, "autofs": {},
	"fusectl": {}, "securityfs": {}, "tracefs": {}, "debugfs": {}, "bpf": {},
	"pstore": {}, "mqueue": {}, "hugetlbfs": {}, "configfs": {}, "ramfs": {},
}

// List enumerates mounted volumes usable as sync destinations.
func List(ctx context.Context) ([]*Info, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var volumes []*Info
	for _, p := range parts {
		if _, skip := skippedFsTypes[p.Fstype]; skip {
			continue
		}

		info := &Info{
			MountPath: p.Mountpoint,
			Device:    p.Device,
			FsType:    p.Fstype,
			Removable: isRemovable(p),
		}

		if serial, err := disk.SerialNumberWithContext(ctx, p.Device); err == nil && serial != "" {
			info.Serial = serial
		} else {
			info.Serial = fallbackSerial(p.Device)
		}

		if label, err := disk.LabelWithContext(ctx, p.Device); err == nil {
			info.Label = label
		}

		if usage, err := disk.UsageWithContext(ctx, p.Mountpoint); err == nil {
			info.FreeBytes = usage.Free
		}

		volumes = append(volumes, info)
	}

	return volumes, nil
}

// BySerial finds a volume by its stable serial.
func BySerial(ctx context.Context, serial string) (*Info, error) {
	volumes, err := List(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		if v.Serial == serial {
			return v, nil
		}
	}
	return nil, fmt.Errorf("volume with serial %q is not mounted", serial)
}

func isRemovable(p disk.PartitionStat) bool {
	for _, opt := range p.Opts {
		if opt == "removable" {
			return true
		}
	}
	// usb-ish device names are the best cross-platform heuristic gopsutil
	// leaves us with
	return strings.Contains(strings.ToLower(p.Device), "usb")
}

// fallbackSerial derives a stable pseudo-serial for volumes whose hardware
// serial is unreadable (common for unprivileged reads of USB media).
func fallbackSerial(device string) string {
	sum := md5.Sum([]byte(device))
	return fmt.Sprintf("DEV-%x", sum[:6])
}

// MachineID returns a stable, app-scoped identifier of this machine. It
// names the source side in persisted sync state the same way a volume
// serial names a destination.
func MachineID() string {
	id, err := machineid.ProtectedID("volsync")
	if err != nil {
		return "UNKNOWN-HOST"
	}
	return id
}
