package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/debuglog"
	"github.com/pders01/hubbub/internal/hub"
	"github.com/pders01/hubbub/internal/server"
	"github.com/pders01/hubbub/internal/storage"
)

// Version is the version of the application, set at build time
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		addr       string
		quiet      bool
	)

	root := &cobra.Command{
		Use:           "hubbub",
		Short:         "PubSubHubbub notification hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			if !quiet {
				showBanner()
			}

			return run(cfg)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "Path to configuration file")
	serve.Flags().StringVar(&dbPath, "db", "", "Path to database file (overrides config)")
	serve.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	serve.Flags().BoolVar(&quiet, "quiet", false, "Skip startup banner")

	generateConfig := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := os.UserHomeDir()
			configFile := filepath.Join(home, ".config", "hubbub", "config.toml")
			if err := config.GenerateDefaultConfig(configFile); err != nil {
				return fmt.Errorf("generating config: %w", err)
			}
			fmt.Printf("Generated default configuration at: %s\n", configFile)
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hubbub %s\n", Version)
			fmt.Println("PubSubHubbub hub")
			fmt.Println("github.com/pders01/hubbub")
		},
	}

	root.AddCommand(serve, generateConfig, version)
	return root
}

func run(cfg *config.Config) error {
	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer debuglog.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	h := hub.New(store, cfg)
	h.Start()
	defer h.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(h, cfg).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		debuglog.Infof("hub listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		debuglog.Infof("received %s, shutting down", sig)
		return srv.Close()
	}
}

func showBanner() {
	colors := []lipgloss.Color{
		lipgloss.Color("#FF6B6B"),
		lipgloss.Color("#FFA86B"),
		lipgloss.Color("#95E1D3"),
		lipgloss.Color("#4ECDC4"),
	}

	lines := []string{
		"█░█ █░█ █▄▄ █▄▄ █░█ █▄▄",
		"█▀█ █▄█ █▄█ █▄█ █▄█ █▄█",
		"",
		"PubSubHubbub hub v1.0",
	}

	var coloredLines []string
	for i, line := range lines {
		if line == "" {
			coloredLines = append(coloredLines, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(colors[i%len(colors)]).
			Bold(i < 2)
		coloredLines = append(coloredLines, style.Render(line))
	}

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#4ECDC4")).
		Padding(1, 3).
		MarginTop(1).
		MarginBottom(1)

	banner := lipgloss.JoinVertical(lipgloss.Center, coloredLines...)
	fmt.Println(borderStyle.Render(banner))
}
