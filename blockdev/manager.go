// Package blockdev formats and mounts the sticky disk block devices at
// per-repository mount points. it is pure OS resource management, all
// work is done by shelling out to the usual ext4 and mount tooling.
package blockdev

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/hostedci/checkout-cache/internal/utils"
)

const defaultDirMode fs.FileMode = os.FileMode(0755) // 'rwxr-xr-x'

// mkfs profile tuned for fast first mount on freshly provisioned
// devices, journal-light with lazy inode table init
var mkfsArgs = []string{"-q", "-O", "^has_journal", "-E", "lazy_itable_init=1,lazy_journal_init=1", "-F"}

type runFunc func(ctx context.Context, log *slog.Logger, envs []string, cwd string, command string, args ...string) (string, error)

// Manager formats, mounts and unmounts block devices
type Manager struct {
	envs []string // envs passed to the spawned commands, must include PATH
	log  *slog.Logger
	run  runFunc
}

// NewManager creates a device mount manager. given envs are passed to
// every spawned command.
func NewManager(envs []string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{envs: envs, log: log, run: utils.RunCommand}
}

// EnsureFormatted inspects the device for an existing filesystem
// signature. if one is present the filesystem is resized to fill the
// full device (the device may have grown since last format), resize
// failure is a non-fatal warning. if absent the device is formatted.
func (m *Manager) EnsureFormatted(ctx context.Context, device string) error {
	// blkid exits non-zero when no signature is found
	fsType, err := m.run(ctx, m.log, m.envs, "", "blkid", "-o", "value", "-s", "TYPE", device)

	if err == nil && fsType != "" {
		m.log.Debug("device already formatted", "device", device, "fstype", fsType)
		if _, err := m.run(ctx, m.log, m.envs, "", "resize2fs", device); err != nil {
			m.log.Warn("unable to resize filesystem to fill device", "device", device, "err", err)
		}
		return nil
	}

	m.log.Info("formatting device", "device", device)
	args := append(append([]string{}, mkfsArgs...), device)
	if _, err := m.run(ctx, m.log, m.envs, "", "mkfs.ext4", args...); err != nil {
		return fmt.Errorf("unable to format device %s err:%w", device, err)
	}
	return nil
}

// Mount creates the mount point directory and mounts the device on it
func (m *Manager) Mount(ctx context.Context, device, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, defaultDirMode); err != nil {
		return fmt.Errorf("unable to create mount point dir err:%w", err)
	}

	if _, err := m.run(ctx, m.log, m.envs, "", "mount", device, mountPoint); err != nil {
		return fmt.Errorf("unable to mount %s on %s err:%w", device, mountPoint, err)
	}

	m.log.Info("device mounted", "device", device, "mount-point", mountPoint)
	return nil
}

// Unmount flushes pending writes and unmounts the device. failures are
// logged and swallowed, a failed unmount must not fail the job whose own
// work already succeeded. it only risks the next job seeing a busy
// mount, which that job's own mount retry must tolerate.
func (m *Manager) Unmount(ctx context.Context, mountPoint string) {
	if _, err := m.run(ctx, m.log, m.envs, "", "sync"); err != nil {
		m.log.Warn("unable to sync pending writes", "err", err)
	}

	if _, err := m.run(ctx, m.log, m.envs, "", "umount", mountPoint); err != nil {
		m.log.Warn("unable to unmount device", "mount-point", mountPoint, "err", err)
		return
	}

	m.log.Info("device unmounted", "mount-point", mountPoint)
}
