package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/hostedci/checkout-cache/blockdev"
	"github.com/hostedci/checkout-cache/broker"
	"github.com/hostedci/checkout-cache/lifecycle"
	"github.com/hostedci/checkout-cache/mirror"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	commonFlags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
		&cli.StringFlag{
			Name:    "agent-addr",
			Sources: cli.EnvVars("CACHE_AGENT_ADDR"),
			Value:   defaultAgentAddr,
			Usage:   "Address of the local volume broker agent.",
		},
		&cli.IntFlag{
			Name:    "agent-port",
			Sources: cli.EnvVars("CACHE_AGENT_PORT"),
			Value:   defaultAgentPort,
			Usage:   "Port of the local volume broker agent.",
		},
		&cli.StringFlag{
			Name:    "region",
			Sources: cli.EnvVars("CACHE_REGION"),
			Usage:   "Region identifier passed through to the broker.",
		},
		&cli.StringFlag{
			Name:    "installation-id",
			Sources: cli.EnvVars("CACHE_INSTALLATION_MODEL_ID"),
			Usage:   "Installation identifier passed through to the broker.",
		},
		&cli.StringFlag{
			Name:    "vm-id",
			Sources: cli.EnvVars("CACHE_VM_ID"),
			Usage:   "VM identifier, absence bypasses the cache entirely.",
		},
		&cli.StringFlag{
			Name:    "auth-token",
			Sources: cli.EnvVars("CACHE_AUTH_TOKEN"),
			Usage:   "Bearer token for the broker agent.",
		},
		// mirror credentials are needed by both phases, prepare clones
		// and cleanup fetches
		&cli.StringFlag{
			Name:    "git-token",
			Sources: cli.EnvVars("CACHE_GIT_TOKEN"),
			Usage:   "Token used to clone and fetch the mirror.",
		},
		&cli.StringFlag{
			Name:    "github-app-id",
			Sources: cli.EnvVars("CACHE_GITHUB_APP_ID"),
			Usage:   "Github App id used to mint mirror tokens.",
		},
		&cli.StringFlag{
			Name:    "github-app-installation-id",
			Sources: cli.EnvVars("CACHE_GITHUB_APP_INSTALLATION_ID"),
			Usage:   "Github App installation id.",
		},
		&cli.StringFlag{
			Name:    "github-app-private-key-path",
			Sources: cli.EnvVars("CACHE_GITHUB_APP_PRIVATE_KEY_PATH"),
			Usage:   "Path to the Github App private key.",
		},
		&cli.StringFlag{
			Name:    "metrics-file",
			Sources: cli.EnvVars("CACHE_METRICS_FILE"),
			Usage:   "Node-exporter textfile collector file the metrics are written to.",
		},
		&cli.StringFlag{
			Name:    "git-host",
			Sources: cli.EnvVars("CACHE_GIT_HOST"),
			Value:   defaultGitHost,
			Usage:   "Git host used to build remote urls.",
		},
		&cli.StringFlag{
			Name:    "mount-base",
			Sources: cli.EnvVars("CACHE_MOUNT_BASE"),
			Value:   defaultMountBase,
			Usage:   "Base dir for per-repo sticky disk mount points.",
		},
		&cli.StringFlag{
			Name:    "state-dir",
			Sources: cli.EnvVars("CACHE_STATE_DIR"),
			Value:   defaultStateDir,
			Usage:   "Dir for the cross-phase state files.",
		},
		&cli.StringFlag{
			Name:     "owner",
			Sources:  cli.EnvVars("CACHE_REPO_OWNER"),
			Usage:    "Repository owner/org.",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "repo",
			Sources:  cli.EnvVars("CACHE_REPO_NAME"),
			Usage:    "Repository name.",
			Required: true,
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func setLogLevel(c *cli.Command) {
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}
}

// gitEnvs are the envs passed to all spawned commands, PATH is required
// to resolve git and the mount tooling
func gitEnvs() []string {
	return []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH")), fmt.Sprintf("HOME=%s", os.Getenv("HOME"))}
}

func newOrchestrator(c *cli.Command, conf *config, observer lifecycle.JobObserver) (*lifecycle.Orchestrator, error) {
	key := mirror.CacheKey{Owner: c.String("owner"), Repo: c.String("repo")}

	m, err := mirror.New(mirror.Config{
		Key:       key,
		MountBase: conf.mountBase,
		GitHost:   conf.gitHost,
		Auth: mirror.Auth{
			Token:                   c.String("git-token"),
			GithubAppID:             c.String("github-app-id"),
			GithubAppInstallationID: c.String("github-app-installation-id"),
			GithubAppPrivateKeyPath: c.String("github-app-private-key-path"),
		},
	}, gitEnvs(), logger)
	if err != nil {
		return nil, err
	}

	return lifecycle.New(
		lifecycle.Config{
			Key:            key,
			MountBase:      conf.mountBase,
			Region:         conf.region,
			InstallationID: conf.installationID,
			VMID:           conf.vmID,
		},
		broker.NewClient(conf.agentAddr, conf.agentPort, conf.authToken, logger),
		blockdev.NewManager(gitEnvs(), logger),
		m,
		observer,
		newReporter(c),
		lifecycle.NewStateStore(conf.stateDir, key),
		logger,
	)
}

func newReporter(c *cli.Command) lifecycle.Reporter {
	if path := c.String("metrics-file"); path != "" {
		return &lifecycle.TextfileReporter{Path: path, Gatherer: prometheus.DefaultGatherer, Log: logger}
	}
	return &lifecycle.LogReporter{Log: logger}
}

// flushMetrics dumps the gathered metrics to the textfile collector
// file. the process exits right after, there is nothing for a scraper
// to collect.
func flushMetrics(c *cli.Command) {
	path := c.String("metrics-file")
	if path == "" {
		return
	}
	if err := lifecycle.WriteMetricsFile(path, prometheus.DefaultGatherer); err != nil {
		logger.Warn("unable to write metrics file", "path", path, "err", err)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkout-cache",
		Usage: "checkout-cache maintains host-persistent bare git mirrors on sticky disks to speed up CI checkouts.",
		Commands: []*cli.Command{
			{
				Name:  "prepare",
				Usage: "pre-job phase: acquire sticky disk, ensure mirror and link the workspace to it",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "workspace",
						Usage:    "Absolute path of the job workspace checkout.",
						Required: true,
					},
				}, commonFlags...),
				Action: runPrepare,
			},
			{
				Name:  "cleanup",
				Usage: "post-job phase: refresh and verify the mirror, release the sticky disk",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "steps-file",
						Sources: cli.EnvVars("CACHE_STEPS_FILE"),
						Usage:   "Path of the runner's step results summary file.",
					},
				}, commonFlags...),
				Action: runCleanup,
			},
			{
				Name:  "dissociate",
				Usage: "copy mirror objects into the workspace and drop the alternates link, for isolated execution environments",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "workspace",
						Usage:    "Absolute path of the job workspace checkout.",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "log-level",
						Sources: cli.EnvVars("LOG_LEVEL"),
						Value:   "info",
						Usage:   "Log level",
					},
				},
				Action: runDissociate,
			},
		},
	}
}

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

// runPrepare never fails the job because the cache failed, setup
// failures are surfaced as "cache unavailable" and the caller falls
// back to an uncached clone
func runPrepare(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	conf, err := buildConfig(c)
	if err != nil {
		return err
	}
	if conf.bypassed() {
		logger.Info("sticky disk environment not detected, skipping cache")
		return nil
	}

	mirror.EnableMetrics("checkout_cache", prometheus.DefaultRegisterer)
	defer flushMetrics(c)

	orch, err := newOrchestrator(c, conf, nil)
	if err != nil {
		return err
	}

	res, err := orch.Prepare(ctx, c.String("workspace"))
	if err != nil {
		logger.Warn("cache unavailable, falling back to uncached checkout", "err", err)
		return nil
	}

	if !res.UsedCache {
		logger.Info("cache not used for this run", "reason", res.Reason)
		return nil
	}

	logger.Info("cached checkout ready", "mirror", res.MirrorPath, "hydrated", res.PerformedHydration)
	return nil
}

// runCleanup swallows all failures after logging them, cleanup failing
// must never fail an otherwise successful job
func runCleanup(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	conf, err := buildConfig(c)
	if err != nil {
		return err
	}
	if conf.bypassed() {
		return nil
	}

	mirror.EnableMetrics("checkout_cache", prometheus.DefaultRegisterer)
	defer flushMetrics(c)

	var observer lifecycle.JobObserver
	if path := c.String("steps-file"); path != "" {
		observer = &lifecycle.StepsFileObserver{Path: path}
	}

	orch, err := newOrchestrator(c, conf, observer)
	if err != nil {
		return err
	}

	if err := orch.Cleanup(ctx); err != nil {
		logger.Error("cleanup failed", "err", err)
	}
	return nil
}

func runDissociate(ctx context.Context, c *cli.Command) error {
	setLogLevel(c)

	workspace := c.String("workspace")
	if err := mirror.Dissociate(ctx, logger, gitEnvs(), workspace); err != nil {
		return fmt.Errorf("unable to dissociate workspace err:%w", err)
	}

	logger.Info("workspace dissociated from mirror", "workspace", workspace)
	return nil
}
