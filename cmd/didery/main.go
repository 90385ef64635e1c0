package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/didery/didery/internal/alert"
	"github.com/didery/didery/internal/config"
	"github.com/didery/didery/internal/consensus"
	"github.com/didery/didery/internal/logger"
	"github.com/didery/didery/internal/report"
	"github.com/didery/didery/internal/transport"
)

const version = "v0.1.0"

var (
	cfgFile   string
	verbosity int
	mute      bool
	keysFile  string
	dataFile  string
	didFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "didery",
	Short: "didery - DID key history and OTP blob client",
	Long: `Pushes signed key rotation events and encrypted OTP blobs to a set of
didery servers and retrieves them back, accepting a record only when two
thirds of the servers return the same validly signed copy.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "didery.yaml", "config file path")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "verbosity of console output (-v to -vvvv)")
	rootCmd.PersistentFlags().BoolVarP(&mute, "mute", "M", false, "mute all console output except prompts")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(statusCmd)
	for _, cmd := range []*cobra.Command{inceptCmd, uploadCmd, rotateCmd, updateCmd} {
		cmd.Flags().StringVar(&dataFile, "data", "", "path to the data file")
		cmd.Flags().StringVar(&keysFile, "keys", "", "key file to sign with instead of prompting")
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{deleteCmd, removeCmd} {
		cmd.Flags().StringVar(&didFlag, "did", "", "decentralized identifier")
		cmd.Flags().StringVar(&keysFile, "keys", "", "key file to sign with instead of prompting")
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{retrieveCmd, downloadCmd, eventsCmd} {
		cmd.Flags().StringVar(&didFlag, "did", "", "decentralized identifier")
		cmd.Flags().StringVar(&keysFile, "keys", "", "key file to derive --did from")
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("didery %s\n", version)
		fmt.Println("DID Key Rotation History and OTP Blob Client")
	},
}

// app carries what every networked command needs.
type app struct {
	cfg      *config.Config
	client   *transport.Client
	reporter *report.Reporter
	alerts   *alert.Manager
	log      *slog.Logger
}

func newApp(cmd *cobra.Command) (*app, error) {
	log := logger.Init(cmd.ErrOrStderr(), logger.LevelFromVerbosity(verbosity))

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := consensus.New(cfg.Hash.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus engine: %w", err)
	}

	log.Debug("config loaded", "servers", len(cfg.Servers), "timeout", cfg.Timeout, "hash", cfg.Hash.Algorithm)

	return &app{
		cfg:      cfg,
		client:   transport.NewClient(cfg.Servers, cfg.Timeout, engine),
		reporter: report.New(cmd.OutOrStdout(), report.VerbosityFromFlags(verbosity, mute)),
		alerts:   alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
		log:      log,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
