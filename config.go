package main

import (
	"fmt"
	"os"
	"path"

	"github.com/urfave/cli/v3"
)

const (
	defaultAgentAddr = "192.168.127.1"
	defaultAgentPort = 5557
	defaultGitHost   = "github.com"
	defaultMountBase = "/var/lib/checkout-cache/mirrors"
)

var defaultStateDir = path.Join(os.TempDir(), "checkout-cache", "state")

// config is the environment-derived configuration consumed by the
// core, validated once at entry
type config struct {
	agentAddr      string
	agentPort      int
	region         string
	installationID string
	vmID           string
	authToken      string

	gitHost   string
	mountBase string
	stateDir  string
}

func buildConfig(c *cli.Command) (*config, error) {
	conf := &config{
		agentAddr:      c.String("agent-addr"),
		agentPort:      int(c.Int("agent-port")),
		region:         c.String("region"),
		installationID: c.String("installation-id"),
		vmID:           c.String("vm-id"),
		authToken:      c.String("auth-token"),
		gitHost:        c.String("git-host"),
		mountBase:      c.String("mount-base"),
		stateDir:       c.String("state-dir"),
	}

	if conf.agentAddr == "" {
		return nil, fmt.Errorf("agent address must be set")
	}
	if conf.agentPort <= 0 || conf.agentPort > 65535 {
		return nil, fmt.Errorf("agent port %d is invalid", conf.agentPort)
	}
	if conf.mountBase == "" {
		return nil, fmt.Errorf("mount base must be set")
	}

	return conf, nil
}

// bypassed reports whether the whole subsystem should be skipped.
// absence of the VM identifier is the signal that this is not a
// sticky-disk environment.
func (c *config) bypassed() bool {
	return c.vmID == ""
}
