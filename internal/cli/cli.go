package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/buildgrid/internal/app"
	"github.com/vk/buildgrid/internal/toolchain"
)

// UsageCode is the exit status for invalid command lines. It stays clear of
// the codes a failed build exits with.
const UsageCode = 64

// DefaultBuildPath is read when no build path is given.
const DefaultBuildPath = "build.hcl"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(msg string) *ExitError {
	return &ExitError{Code: UsageCode, Message: msg}
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	var (
		cfg                       app.Config
		ccFlags, ldFlags, arFlags string
		parsed                    bool
	)

	cmd := &cobra.Command{
		Use:   "buildgrid [flags] [BUILD_PATH]",
		Short: "Build C programs from a declarative step graph",
		Long: `buildgrid reads steps from an HCL build file and runs them in dependency
order. Independent compiler processes run in parallel; a step starts only
after everything it depends on has finished.

BUILD_PATH is a single .hcl file or a directory of .hcl files. It defaults
to ` + DefaultBuildPath + ` in the current directory. Paths inside the build file
are relative to the current directory.`,
		Example: `  buildgrid
  buildgrid -f examples/build.hcl --target program.app
  buildgrid --clean
  buildgrid --watch --cc clang --ccflags "-O2 -Wall"`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed = true
			if len(args) == 1 {
				if cmd.Flags().Changed("file") {
					return usageError("give the build path either as --file or as an argument, not both")
				}
				cfg.BuildPath = args[0]
			}
			if cmd.Flags().Changed("ccflags") {
				cfg.Toolchain.CCFlags = toolchain.SplitFlags(ccFlags)
			}
			if cmd.Flags().Changed("ldflags") {
				cfg.Toolchain.LDFlags = toolchain.SplitFlags(ldFlags)
			}
			if cmd.Flags().Changed("arflags") {
				cfg.Toolchain.ARFlags = toolchain.SplitFlags(arFlags)
			}
			return nil
		},
	}
	if args == nil {
		// cobra falls back to os.Args for nil.
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)

	flags := cmd.Flags()
	flags.StringVarP(&cfg.BuildPath, "file", "f", DefaultBuildPath, "Path to the build file or a directory of .hcl files.")
	flags.StringSliceVarP(&cfg.Targets, "target", "t", nil, "Build only these steps, given as <kind>.<name>. Repeatable.")
	flags.BoolVar(&cfg.Clean, "clean", false, "Remove the outputs of the target instead of building it.")
	flags.BoolVarP(&cfg.Watch, "watch", "w", false, "Rebuild whenever a watched file changes.")
	flags.IntVar(&cfg.HealthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server in watch mode. 0 is disabled.")
	flags.StringVar(&cfg.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	flags.StringVar(&cfg.Toolchain.CC, "cc", "", "C compiler, overriding the build file.")
	flags.StringVar(&cfg.Toolchain.LD, "ld", "", "Linker, overriding the build file.")
	flags.StringVar(&cfg.Toolchain.AR, "ar", "", "Archiver, overriding the build file.")
	flags.StringVar(&ccFlags, "ccflags", "", "Space separated compiler flags, overriding the build file.")
	flags.StringVar(&ldFlags, "ldflags", "", "Space separated linker flags, overriding the build file.")
	flags.StringVar(&arFlags, "arflags", "", "Space separated archiver flags, overriding the build file.")

	if err := cmd.Execute(); err != nil {
		if exitErr, ok := err.(*ExitError); ok {
			return nil, false, exitErr
		}
		return nil, false, usageError(err.Error())
	}
	if !parsed {
		// --help was handled by cobra.
		return nil, true, nil
	}
	slog.Debug("Arguments parsed successfully.")

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, false, usageError("invalid log-format: must be 'text' or 'json'")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, usageError(err.Error())
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
