package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hurricanerix/weave-compute/internal/config"
	"github.com/hurricanerix/weave-compute/internal/daemon"
	"github.com/hurricanerix/weave-compute/internal/engine"
	"github.com/hurricanerix/weave-compute/internal/generate"
	"github.com/hurricanerix/weave-compute/internal/output"
	"github.com/hurricanerix/weave-compute/internal/socket"
)

var Version = "dev"

var (
	socketPathFlag string
	jsonFlag       bool
	verboseFlag    bool
	quietFlag      bool
	ConfigDir      string
)

func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addDoctorCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "weave-compute",
		Short:         "GPU image generation daemon",
		Long:          "weave-compute — compute daemon that serves text-to-image generation requests over a local Unix socket.",
		Version:       fmt.Sprintf("weave-compute v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			return nil
		},
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.StringVar(&ConfigDir, "config-dir", "", "Override config directory (default: $XDG_CONFIG_HOME/weave)")

	rootCmd.Flags().StringVarP(&socketPathFlag, "socket-path", "s", "",
		"Connect to an existing socket at PATH (worker mode) instead of creating one")

	// Environment variable bindings
	if v := os.Getenv("WEAVE_CONFIG_DIR"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}

	return rootCmd
}

// configureLogging applies the configured log level, with the --verbose and
// --quiet flags taking precedence.
func configureLogging(level string) {
	switch {
	case verboseFlag:
		logrus.SetLevel(logrus.DebugLevel)
	case quietFlag:
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			parsed = logrus.InfoLevel
		}
		logrus.SetLevel(parsed)
	}
	logrus.SetOutput(os.Stderr)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("socket-path") {
		if socketPathFlag == "" {
			return fmt.Errorf("socket path cannot be empty")
		}
		if len(socketPathFlag)+1 > socket.PathMax {
			return fmt.Errorf("socket path too long (max %d bytes)", socket.PathMax-1)
		}
	}

	config.SetConfigDir(ConfigDir)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	configureLogging(cfg.Daemon.LogLevel)

	logrus.Info("weave-compute starting")

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return fmt.Errorf("loading engine: %w", err)
	}
	defer func() {
		logrus.Info("unloading model")
		eng.Close()
	}()
	logrus.WithField("model", eng.ModelInfo()).Info("model loaded")

	pipeline := generate.New(eng)

	if socketPathFlag != "" {
		return runWorker(pipeline, socketPathFlag)
	}
	return runServer(pipeline, cfg)
}

// runServer creates and owns the socket, then accepts connections until
// shutdown. The filesystem entry is unlinked on the way out.
func runServer(pipeline *generate.Pipeline, cfg config.Config) error {
	ep, err := socket.Create()
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	defer ep.Cleanup()
	defer ep.Close()

	logrus.WithField("path", ep.Path()).Info("listening")

	d, err := daemon.New(pipeline, socket.Timeouts{
		Read:  secondsToDuration(cfg.Daemon.ReadTimeoutSeconds),
		Write: secondsToDuration(cfg.Daemon.WriteTimeoutSeconds),
	})
	if err != nil {
		return err
	}

	// Closing the listener is what unblocks a pending accept so the loop
	// can observe the flag.
	daemon.ArmSignalHandler(func() { ep.Close() })

	if err := d.ServeListener(ep); err != nil {
		return fmt.Errorf("accept loop: %w", err)
	}

	logrus.Info("weave-compute stopped")
	return nil
}

// runWorker connects to a parent-owned socket and serves requests on that
// one connection. The parent owns the filesystem entry; the stdin monitor
// detects the parent dying without closing the socket.
func runWorker(pipeline *generate.Pipeline, path string) error {
	ep, err := socket.Connect(path)
	if err != nil {
		return fmt.Errorf("connecting to socket: %w", err)
	}
	defer ep.Close()

	d, err := daemon.New(pipeline, socket.Timeouts{})
	if err != nil {
		return err
	}

	conn := ep.Conn()
	// Expiring the read deadline wakes a blocked header read without
	// disturbing an in-flight response write.
	wake := func() { conn.SetReadDeadline(time.Now()) }
	daemon.ArmSignalHandler(wake)
	daemon.MonitorStdin(wake)

	if err := d.ServeConn(conn); err != nil {
		return fmt.Errorf("request loop: %w", err)
	}

	logrus.Info("weave-compute stopped")
	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
