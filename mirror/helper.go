package mirror

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/hostedci/checkout-cache/internal/utils"
)

var (
	gitExecutablePath string

	// parses output of "git fetch --porcelain" to count updated refs
	updatedRefRgx = regexp.MustCompile(`(?m)^[^=] \w+ \w+ (refs\/[^\s]+)`)
)

func init() {
	gitExecutablePath = exec.Command("git").String()
}

// runGitCommand runs git command with given arguments on given CWD
func runGitCommand(ctx context.Context, log *slog.Logger, envs []string, cwd string, args ...string) (string, error) {
	out, err := utils.RunCommand(ctx, log, envs, cwd, gitExecutablePath, args...)
	return strings.TrimSpace(out), err
}

func updatedRefs(output string) []string {
	var refs []string

	for _, match := range updatedRefRgx.FindAllStringSubmatch(output, -1) {
		refs = append(refs, match[1])
	}

	return refs
}
