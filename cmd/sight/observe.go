package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/sightline/internal/broadcast"
	"github.com/ehrlich-b/sightline/internal/history"
	"github.com/ehrlich-b/sightline/internal/logger"
	"github.com/ehrlich-b/sightline/internal/orchestrator"
	"github.com/ehrlich-b/sightline/internal/proxy"
	"github.com/ehrlich-b/sightline/internal/registry"
	"github.com/ehrlich-b/sightline/internal/server"
	"github.com/ehrlich-b/sightline/internal/tick"
	"github.com/ehrlich-b/sightline/internal/tracker"
	"github.com/ehrlich-b/sightline/internal/zone"
)

func observeCmd() *cobra.Command {
	var (
		portFlag      int
		agentIDFlag   string
		sessionIDFlag string
		zoneFlag      string
		historyFlag   string
		logLevelFlag  string
		logFileFlag   string
	)

	cmd := &cobra.Command{
		Use:   "observe [flags] -- <agent-command> [agent-args...]",
		Short: "Run the observer around an ACP agent",
		Long: "Spawns the agent, bridges its stdio with the editor, and serves\n" +
			"the live context model on a local TCP port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentArgs := args
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				agentArgs = args[at:]
			}
			if len(agentArgs) == 0 {
				return errors.New("missing agent command after --")
			}

			if err := logger.Init(logLevelFlag, logFileFlag); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			agentID := agentIDFlag
			if agentID == "" {
				agentID = "obs-" + uuid.NewString()[:8]
			}

			return runObserve(observeConfig{
				port:       portFlag,
				agentID:    agentID,
				sessionID:  sessionIDFlag,
				zonePath:   zoneFlag,
				historyDSN: historyFlag,
				command:    agentArgs[0],
				args:       agentArgs[1:],
			})
		},
	}

	cmd.Flags().IntVar(&portFlag, "port", server.DefaultPort, "TCP port for observers (0 for ephemeral)")
	cmd.Flags().StringVar(&agentIDFlag, "agent-id", "", "Agent instance ID (generated if empty)")
	cmd.Flags().StringVar(&sessionIDFlag, "session-id", "", "Session ID (auto-detected from the stream if empty)")
	cmd.Flags().StringVar(&zoneFlag, "zone", "", "Zone policy YAML; enables enforcement and hot reload")
	cmd.Flags().StringVar(&historyFlag, "history-db", "", "SQLite file for the access-event log")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFileFlag, "log-file", "", "Also append logs to this file")
	return cmd
}

type observeConfig struct {
	port       int
	agentID    string
	sessionID  string
	zonePath   string
	historyDSN string
	command    string
	args       []string
}

func runObserve(cfg observeConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := tracker.New(tracker.DefaultConfig())
	tr.SetAgentID(cfg.agentID)
	if cfg.sessionID != "" {
		tr.SetSessionID(cfg.sessionID)
	}

	reg := registry.LoadDefault()
	agg := orchestrator.New()
	hub := broadcast.NewHub(broadcast.DefaultCapacity)

	// Zone enforcement, with hot reload while the file exists.
	zones := zone.NewStore(nil)
	if cfg.zonePath != "" {
		zcfg, err := zone.Load(cfg.zonePath)
		if err != nil {
			return err
		}
		zones.Swap(zcfg)
		go func() {
			if err := zone.Watch(ctx, cfg.zonePath, zones); err != nil {
				logger.Warn("zone watch unavailable", "error", err)
			}
		}()
	}

	// Optional history log.
	if cfg.historyDSN != "" {
		store, err := history.Open(cfg.historyDSN)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer store.Close()
		recorder := history.NewRecorder(store, cfg.agentID)
		tr.SetAccessObserver(recorder.Observe)
		go recorder.Run(ctx, hub)
	}

	// Observer TCP server.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.port))
	if err != nil {
		return fmt.Errorf("bind observer port: %w", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	// The desktop shell reads this line to find the socket.
	fmt.Fprintf(os.Stderr, "sightline tcp port: %d\n", actualPort)

	srv := &server.Server{Tracker: tr, Registry: reg, Aggregator: agg, Hub: hub}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Error("observer server stopped", "error", err)
		}
	}()

	// The agent subprocess.
	agent, err := proxy.SpawnAgent(ctx, cfg.command, cfg.args)
	if err != nil {
		return err
	}

	// Tick driver.
	driver := &tick.Driver{Tracker: tr, Registry: reg, Aggregator: agg, Hub: hub}
	go driver.Run(ctx)

	// Proxy tasks: the run ends when either direction sees EOF.
	done := make(chan error, 2)
	go func() {
		err := proxy.UpstreamTask(os.Stdin, agent.Stdin, tr)
		agent.Stdin.Close()
		done <- err
	}()
	go func() {
		done <- proxy.DownstreamTask(agent.Stdout, os.Stdout, tr, zones, hub)
	}()

	firstErr := <-done
	cancel()
	agent.Cmd.Process.Kill()
	agent.Cmd.Wait()

	if firstErr != nil {
		logger.Error("proxy ended with error", "error", firstErr)
		return firstErr
	}
	logger.Info("observer shut down cleanly")
	return nil
}
