// mud is the Mu daemon: an autonomous trickster persona on Moltbook.
//
// Usage:
//
//	mud once [--dry-run]   run one heartbeat and exit
//	mud daemon             run continuously
//	mud status             print current state
//	mud pause | resume     flip the operator pause flag
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velvetnoise/mu-daemon/internal/agent"
	"github.com/velvetnoise/mu-daemon/internal/config"
	"github.com/velvetnoise/mu-daemon/internal/imagegen"
	"github.com/velvetnoise/mu-daemon/internal/inbox"
	"github.com/velvetnoise/mu-daemon/internal/moltbook"
	"github.com/velvetnoise/mu-daemon/internal/persona"
	"github.com/velvetnoise/mu-daemon/internal/store"
)

func main() {
	var configPath string
	var dryRun bool

	root := &cobra.Command{
		Use:           "mud",
		Short:         "Mu - autonomous trickster agent for Moltbook",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.toml")

	once := &cobra.Command{
		Use:   "once",
		Short: "Run one heartbeat and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(configPath, dryRun)
		},
	}
	once.Flags().BoolVar(&dryRun, "dry-run", false, "simulate without posting")

	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Run continuously with a jittered heartbeat interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print current narrative state and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	}

	pause := &cobra.Command{
		Use:   "pause",
		Short: "Stop the daemon from taking outward actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPaused(configPath, true)
		},
	}

	resume := &cobra.Command{
		Use:   "resume",
		Short: "Clear the operator pause flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPaused(configPath, false)
		},
	}

	root.AddCommand(once, daemon, status, pause, resume)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// build wires the real components. The caller owns closing the store.
func build(configPath string, dryRun bool) (*agent.Agent, *store.Store, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	social, err := moltbook.NewClient(cfg.Moltbook.BaseURL, cfg.Secrets.MoltbookAPIKey, cfg.Moltbook.Timeout.Std())
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	voice, err := persona.New(cfg.LLM, cfg.Secrets.AnthropicAPIKey, nil)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	var images agent.ImageGenerator
	if cfg.Image.Enabled && cfg.Secrets.GeminiAPIKey != "" {
		gen, err := imagegen.New(cfg.Image, cfg.Secrets.GeminiAPIKey, cfg.Storage.LogDir)
		if err != nil {
			log.Printf("image generation disabled: %v", err)
		} else {
			images = gen
		}
	}

	mu, err := agent.New(cfg, agent.Deps{
		Store:  db,
		Social: social,
		Voice:  voice,
		Images: images,
	}, dryRun)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return mu, db, cfg, nil
}

func runOnce(configPath string, dryRun bool) error {
	mu, db, _, err := build(configPath, dryRun)
	if err != nil {
		return err
	}
	defer db.Close()

	if dryRun {
		fmt.Println("dry run: no actual posts will be made")
	}

	summary, err := mu.Heartbeat(signalContext())
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}

func runDaemon(configPath string) error {
	mu, db, cfg, err := build(configPath, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := signalContext()

	watcher, err := inbox.NewWatcher(cfg.Storage.InboxDir, db)
	if err != nil {
		return err
	}
	defer watcher.Close()
	go func() {
		if err := watcher.Start(ctx); err != nil {
			log.Printf("inbox watcher stopped: %v", err)
		}
	}()

	fmt.Println("Mu is awake.")
	if err := mu.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	fmt.Println("Mu goes quiet. Was anyone ever here?")
	return nil
}

func runStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Load(cfg.Agent.Name, cfg.Narrative.Phases[0].Name)
	if err != nil {
		return err
	}
	paused, err := db.Paused()
	if err != nil {
		return err
	}

	fmt.Printf("agent:    %s\n", st.AgentName)
	fmt.Printf("day:      %d (actual days active: %d)\n", st.CurrentDay, st.ActualDaysActive)
	fmt.Printf("phase:    %s (since %s)\n", st.CurrentPhase, st.PhaseStart.Format("2006-01-02"))
	fmt.Printf("posts:    %d total, %d today\n", st.TotalPosts, st.PostsToday)
	fmt.Printf("comments: %d total, %d today\n", st.TotalComments, st.CommentsToday)
	fmt.Printf("karma:    %d\n", st.TotalKarma)
	fmt.Printf("failures: %d\n", st.FailureCount)
	fmt.Printf("paused:   %v\n", paused)
	if !st.LastHeartbeat.IsZero() {
		fmt.Printf("last heartbeat: %s\n", st.LastHeartbeat.Format(time.RFC3339))
	}

	events, err := db.RecentEvents(10)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nrecent events:")
		for _, ev := range events {
			fmt.Printf("  [day %d] %s: %s\n", ev.Day, ev.Type, ev.Description)
		}
	}
	return nil
}

func setPaused(configPath string, paused bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetPaused(paused); err != nil {
		return err
	}
	if paused {
		fmt.Println("paused: the daemon will take no outward actions")
	} else {
		fmt.Println("resumed")
	}
	return nil
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}
