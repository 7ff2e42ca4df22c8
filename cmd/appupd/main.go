// Command appupd checks the configured applications for updates and
// installs the ones the user approves.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quay/zlog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/config"
	"github.com/appupd/appupd/internal/cleanup"
	"github.com/appupd/appupd/libupdate"
	"github.com/appupd/appupd/pipeline"
)

func main() {
	os.Exit(run())
}

type flags struct {
	configRoot    string
	verbose       bool
	dryRun        bool
	cacheDuration int
	createConfig  bool
}

func run() int {
	var fl flags
	var totals pipeline.Totals

	cmd := &cobra.Command{
		Use:           "appupd [app_key ...]",
		Short:         "Check and install application updates",
		Version:       appupd.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			setupLogging(fl.verbose)
			if fl.createConfig {
				return config.Scaffold(ctx, filepath.Join(fl.configRoot, "conf.d"))
			}

			reg := cleanup.NewRegistry()
			defer reg.Run(ctx)

			opts := libupdate.Options{
				ConfigRoot: fl.configRoot,
				Keys:       args,
				DryRun:     fl.dryRun,
				Registry:   reg,
			}
			if fl.cacheDuration > 0 {
				opts.CacheDuration = time.Duration(fl.cacheDuration) * time.Second
			}
			if !fl.dryRun {
				opts.Prompt = stdinPrompt
			}
			u, err := libupdate.New(ctx, opts)
			if err != nil {
				return err
			}
			defer u.Sweep(ctx)
			totals, err = u.Run(ctx)
			return err
		},
	}
	cmd.Flags().BoolVarP(&fl.verbose, "verbose", "v", false, "raise log verbosity")
	cmd.Flags().BoolVarP(&fl.dryRun, "dry-run", "n", false, "report without prompting or installing")
	cmd.Flags().IntVar(&fl.cacheDuration, "cache-duration", 0, "response cache TTL in seconds")
	cmd.Flags().BoolVar(&fl.createConfig, "create-config", false, "write default app configs and exit")
	cmd.Flags().StringVar(&fl.configRoot, "config-root", defaultConfigRoot(), "configuration directory")

	ctx, done := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer done()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "appupd:", err)
		return appupd.ExitCode(err)
	}
	if totals.Failed > 0 {
		return 1
	}
	return 0
}

func setupLogging(verbose bool) {
	l := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if verbose {
		l = l.Level(zerolog.DebugLevel)
	}
	zlog.Set(&l)
}

// StdinPrompt asks for confirmation on the terminal; a bare newline
// accepts.
func stdinPrompt(_ context.Context, app *appupd.AppConfig, installed, latest string) bool {
	if installed == appupd.NotInstalled {
		fmt.Printf("%s: install %s? [Y/n] ", app.Name, latest)
	} else {
		fmt.Printf("%s: update %s -> %s? [Y/n] ", app.Name, installed, latest)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	}
	return false
}

func defaultConfigRoot() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "appupd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "appupd")
}
