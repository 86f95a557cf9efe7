// Package cli implements the lsfs.xtfs command.
//
// lsfs.xtfs lists the volumes of an MRC:
//
//	lsfs.xtfs [options] [oncrpc://]<mrc host>[:port][/<volume name>]
//
// The command is a thin consumer of the fault model: every failure reaches
// it as a posix.Status from pkg/vfs and is printed as "error: <message>"
// with exit code 1.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/client"
	"github.com/marmos91/xtfs/pkg/config"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/posix"
	"github.com/marmos91/xtfs/pkg/vfs"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/pflag"
)

// Name is the command name shown in usage.
const Name = "lsfs.xtfs"

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
)

type options struct {
	long       bool
	configPath string
	logLevel   string
	dir        string
	initConfig bool
	force      bool
	help       bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.BoolVarP(&opts.long, "long", "l", false, "list volumes with their details")
	flagSet.StringVar(&opts.configPath, "config", "", "path to the config file (default: "+config.GetDefaultConfigPath()+")")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR (overrides the config file)")
	flagSet.StringVar(&opts.dir, "dir", "", "directory service address (overrides dir.address)")
	flagSet.BoolVar(&opts.initConfig, "init-config", false, "write a default config file to --config (or the default path) and exit")
	flagSet.BoolVar(&opts.force, "force", false, "overwrite an existing file with --init-config")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")
	return flagSet
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [options] [oncrpc://]<mrc host>[:port][/<volume name>]\n", Name)
	fmt.Fprintf(w, "       %s --init-config [--config path] [--force]\n\n", Name)
	fmt.Fprintf(w, "Lists the volumes of an MRC, or a single volume when one is named.\n\n")
	fmt.Fprintf(w, "Options:\n%s", flagSet.FlagUsages())
}

// Run executes lsfs.xtfs with args (without the program name) and returns
// the process exit code.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	var opts options
	flagSet := newFlagSet(&opts)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, flagSet)
			return ExitOK
		}
		return usageError(stderr, flagSet, fault.NewInvalidCommandLineParameters(err.Error()))
	}
	if opts.help {
		printUsage(stdout, flagSet)
		return ExitOK
	}
	if opts.initConfig {
		return runInitConfig(stdout, stderr, flagSet, &opts)
	}

	switch flagSet.NArg() {
	case 0:
		return usageError(stderr, flagSet, fault.NewInvalidCommandLineParameters("missing MRC address and volume name"))
	case 1:
	default:
		return usageError(stderr, flagSet, fault.NewInvalidCommandLineParameters(
			"too many arguments: "+strings.Join(flagSet.Args(), " ")))
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitError
	}

	closeLog, err := setupLogging(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitError
	}
	defer closeLog()

	m := config.InitializeMetrics(cfg)
	if m.Server != nil {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := m.Server.Start(metricsCtx); err != nil {
				logger.Warn("Metrics server: %v", err)
			}
		}()
		defer func() {
			stopMetrics()
			<-done
		}()
	}

	c, err := client.New(ctx, cfg, m)
	if err != nil {
		fmt.Fprintf(stderr, "error: %s\n", posix.NewMapper(m.Fault).Map(err, vfs.OpListVolumes).Error())
		return ExitError
	}

	fs := vfs.New(c, m.Fault)
	defer fs.Shutdown(context.WithoutCancel(ctx))

	loc, st := fs.ResolveLocation(ctx, flagSet.Arg(0))
	if !st.IsOK() {
		fmt.Fprintf(stderr, "error: %s\n", st.Error())
		return ExitError
	}

	volumes := loc.Volumes
	if loc.Volume != nil {
		volumes = []xtfs.Volume{*loc.Volume}
	}

	if opts.long {
		printLong(stdout, volumes)
	} else {
		printShort(stdout, volumes)
	}
	return ExitOK
}

// runInitConfig writes a commented default config file.
func runInitConfig(stdout, stderr io.Writer, flagSet *pflag.FlagSet, opts *options) int {
	if flagSet.NArg() > 0 {
		return usageError(stderr, flagSet, fault.NewInvalidCommandLineParameters(
			"--init-config takes no location: "+strings.Join(flagSet.Args(), " ")))
	}

	path := opts.configPath
	var err error
	if path == "" {
		path, err = config.InitConfig(opts.force)
	} else {
		err = config.InitConfigToPath(path, opts.force)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitError
	}

	fmt.Fprintf(stdout, "Configuration written to %s\n", path)
	return ExitOK
}

func usageError(stderr io.Writer, flagSet *pflag.FlagSet, err *fault.InvalidCommandLineParameters) int {
	fmt.Fprintf(stderr, "error: %s\n\n", posix.Map(err, "ARGS").Error())
	printUsage(stderr, flagSet)
	return ExitError
}

// loadConfig loads the config file and applies command line overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(opts.logLevel)
	}
	if opts.dir != "" {
		cfg.DIR.Address = opts.dir
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// setupLogging points the logger at the configured output. "stderr" means
// the command's error stream.
func setupLogging(cfg *config.Config, stderr io.Writer) (func(), error) {
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)

	if strings.EqualFold(cfg.Logging.Output, "stderr") {
		logger.SetOutput(stderr)
		return func() {}, nil
	}

	w, closeFn, err := logger.Open(cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(w)
	return func() { _ = closeFn() }, nil
}

func printShort(w io.Writer, volumes []xtfs.Volume) {
	for _, v := range volumes {
		fmt.Fprintf(w, "%s  ->  %s\n", v.Name, v.ID)
	}
}

func printLong(w io.Writer, volumes []xtfs.Volume) {
	for _, v := range volumes {
		header := fmt.Sprintf("Volume '%s'", v.Name)
		fmt.Fprintln(w, header)
		fmt.Fprintln(w, strings.Repeat("-", runewidth.StringWidth(header)))
		fmt.Fprintf(w, "\tID:       %s\n", v.ID)
		fmt.Fprintf(w, "\tOwner:    %s\n", v.Owner)
		fmt.Fprintf(w, "\tGroup:    %s\n", v.Group)
		fmt.Fprintf(w, "\tAccess:   %d\n", v.Mode)
		fmt.Fprintln(w)
	}
}
