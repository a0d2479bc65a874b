package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"clip-acquirer/internal/config"
	"clip-acquirer/internal/logging"
)

// app carries state shared by every subcommand. Config and logger are filled
// in by the root PersistentPreRunE once flags are parsed.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string
	cfg     config.Config
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
}

func Run(args []string) error {
	return execute(context.Background(), args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "clip-acquirer",
		Short:         "Acquire short-form videos with fallback strategies and live progress",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ./clip-acquirer.yaml when present)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	pf.String("output-dir", config.DefaultOutputDir, "directory for finished files")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-format", "text", "log format: text|json")
	pf.String("cookies", "", "Netscape cookies.txt used for authenticated requests")
	pf.String("proxy", "", "proxy URL for the fetch tool, browser and transfers")
	pf.String("ytdlp", "yt-dlp", "fetch tool binary")
	pf.Bool("browser", true, "enable the browser extraction strategy")
	a.bind("output_dir", pf.Lookup("output-dir"))
	a.bind("log.level", pf.Lookup("log-level"))
	a.bind("log.format", pf.Lookup("log-format"))
	a.bind("cookies_file", pf.Lookup("cookies"))
	a.bind("proxy", pf.Lookup("proxy"))
	a.bind("ytdlp.path", pf.Lookup("ytdlp"))
	a.bind("browser.enabled", pf.Lookup("browser"))

	root.AddCommand(
		newServeCmd(a),
		newAcquireCmd(a),
		newWatchCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newJobsCmd(a),
		newDoctorCmd(a),
	)
	return root
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, config.LoadOptions{ConfigFile: a.cfgFile, EnvFile: a.envFile})
	if err != nil {
		return err
	}
	var logger *slog.Logger
	if a.stderr == io.Writer(os.Stderr) {
		logger, err = logging.NewStderr(cfg.Log.Level, cfg.Log.Format)
	} else {
		logger, err = logging.New(a.stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}
