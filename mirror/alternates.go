package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// AlternatesPath returns the path of the alternates file inside the
// workspace's object store
func AlternatesPath(workspacePath string) string {
	return filepath.Join(workspacePath, ".git", "objects", "info", "alternates")
}

// LinkWorkspace wires the per-job working checkout to read objects from
// the mirror's object store without copying them. the workspace's own
// fetches then only transfer objects the mirror does not already have.
func LinkWorkspace(workspacePath, mirrorPath string) error {
	altFile := AlternatesPath(workspacePath)

	if err := os.MkdirAll(filepath.Dir(altFile), defaultDirMode); err != nil {
		return fmt.Errorf("unable to create objects info dir err:%w", err)
	}

	objects := filepath.Join(mirrorPath, "objects")
	if err := os.WriteFile(altFile, []byte(objects+"\n"), 0644); err != nil {
		return fmt.Errorf("unable to write alternates file err:%w", err)
	}

	return nil
}

// Dissociate copies every referenced object from the mirror into the
// workspace's own object store and removes the alternates reference,
// producing a fully self-contained checkout. used by isolated execution
// environments that cannot see the mirror mount, at the cost of extra
// I/O and disk.
func Dissociate(ctx context.Context, log *slog.Logger, envs []string, workspacePath string) error {
	// repack everything reachable, including objects borrowed via
	// alternates, into the workspace's own pack files
	// git repack -a -d --quiet
	if _, err := runGitCommand(ctx, log, envs, workspacePath, "repack", "-a", "-d", "--quiet"); err != nil {
		return fmt.Errorf("unable to repack workspace objects err:%w", err)
	}

	if err := os.Remove(AlternatesPath(workspacePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to remove alternates file err:%w", err)
	}

	return nil
}
