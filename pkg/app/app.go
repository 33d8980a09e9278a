package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/modempeer/pkg/log"
)

const envPrefix = "MODEMPEER"

// RunFunc is the entry point of an application once its options are complete
// and valid.
type RunFunc func() error

// NamedFlagSetOptions is implemented by the options struct of every binary.
type NamedFlagSetOptions interface {
	// Flags returns the flag sets grouped by concern.
	Flags() cliflag.NamedFlagSets
	// Complete fills in derived fields after flags and config are parsed.
	Complete() error
	// Validate returns an aggregate of every invalid option.
	Validate() error
}

// App wraps a cobra command built from a NamedFlagSetOptions.
type App struct {
	name        string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	args        cobra.PositionalArgs
	subcommands []*cobra.Command
	cmd         *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithDescription sets the long description printed by --help.
func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithOptions binds the options whose flags the command exposes.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

// WithRunFunc sets the function run after validation.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

// WithDefaultValidArgs rejects positional arguments.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithSubcommands attaches child commands, each sharing the root's persistent flags.
func WithSubcommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.subcommands = append(a.subcommands, cmds...) }
}

// NewApp builds the application and its cobra command.
func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{name: name, shortDesc: shortDesc}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

// Command returns the underlying cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the command and exits the process on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var configFile string
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a configuration file (yaml, json or toml).")

	if a.options != nil {
		for _, f := range a.options.Flags().FlagSets {
			cmd.PersistentFlags().AddFlagSet(f)
		}
	}

	if a.runFunc != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, configFile)
		}
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd == a.cmd && a.runFunc != nil {
			return nil
		}
		return a.prepare(cmd, configFile)
	}

	cmd.AddCommand(a.subcommands...)
	a.cmd = cmd
}

func (a *App) run(cmd *cobra.Command, configFile string) error {
	if err := a.prepare(cmd, configFile); err != nil {
		return err
	}
	return a.runFunc()
}

// prepare loads the config file and environment, then completes and
// validates the options.
func (a *App) prepare(cmd *cobra.Command, configFile string) error {
	if a.options == nil {
		return nil
	}

	if err := loadConfig(cmd.Flags(), configFile, a.options); err != nil {
		return err
	}

	if err := a.options.Complete(); err != nil {
		return fmt.Errorf("failed to complete options: %w", err)
	}

	if err := a.options.Validate(); err != nil {
		return err
	}

	log.Debug("Options validated", "command", cmd.CommandPath())
	return nil
}

// loadConfig overlays config file and MODEMPEER_* environment values onto
// opts. Flags set on the command line always win.
func loadConfig(fs *pflag.FlagSet, configFile string, opts any) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}
