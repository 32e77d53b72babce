package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/logging"
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, g := newRootCmd(os.Stdout)
	err := root.ExecuteContext(ctx)
	stop()
	if cerr := g.closeLog(); cerr != nil {
		fmt.Fprintln(os.Stderr, "closing log file:", cerr)
	}
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	slog.Error("corb failed", "error", err)
	os.Exit(1)
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	optionsFile string
	logLevel    string
	logFormat   string
	logFile     string
	verbose     bool

	logCloser io.Closer
}

// newRootCmd builds the command tree. The caller closes the log file with
// globalFlags.closeLog once the command has run.
func newRootCmd(out io.Writer) (*cobra.Command, *globalFlags) {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:          "corb",
		Short:        "Batch processing driver: runs a module over every URI a query selects",
		SilenceUsage: true,
		// errors are logged by main
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&g.optionsFile, "options-file", "", "options file (.properties, .yaml or .yml); also OPTIONS-FILE")
	pf.StringVar(&g.logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN or ERROR")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&g.logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.BoolVar(&g.verbose, "verbose", false, "verbose logging, same as --log-level DEBUG")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return g.initLogging(cmd.Flags().Changed("log-level"))
	}
	root.AddCommand(
		newRunCmd(g, out),
		newCommandCmd(g, out),
		newEncryptCmd(out),
		newOptionsCmd(g, out),
		newVersionCmd(out),
	)
	return root, g
}

func (g *globalFlags) initLogging(levelSet bool) error {
	level := g.logLevel
	if env, ok := os.LookupEnv(config.EnvPrefix + "LOG_LEVEL"); ok && !levelSet {
		level = env
	}
	if g.verbose {
		level = "DEBUG"
	}

	if err := g.closeLog(); err != nil {
		return err
	}
	var w io.Writer = os.Stderr
	if g.logFile != "" {
		f, err := os.OpenFile(g.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", g.logFile, err)
		}
		w = f
		g.logCloser = f
	}
	slog.SetDefault(logging.New(logging.Options{Level: level, Format: g.logFormat, Writer: w}))
	return nil
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(out, "corb: version info not available")
				return
			}
			fmt.Fprintf(out, "corb: %s\n", info.Main.Version)
			fmt.Fprintf(out, "go:   %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					fmt.Fprintf(out, "commit: %s\n", s.Value)
				case "vcs.time":
					fmt.Fprintf(out, "date:   %s\n", s.Value)
				}
			}
		},
	}
}

// closeLog closes the log file opened by --log-file, if any. Logging falls
// back to stderr.
func (g *globalFlags) closeLog() error {
	if g.logCloser == nil {
		return nil
	}
	slog.SetDefault(logging.New(logging.Options{Level: g.logLevel, Format: g.logFormat, Writer: os.Stderr}))
	err := g.logCloser.Close()
	g.logCloser = nil
	return err
}
