package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"navi-client/internal/app"
	"navi-client/internal/checkpoint"
	"navi-client/internal/logging"
	"navi-client/internal/tui"
)

const version = "0.1.0"

var (
	flagConfig      string
	flagStorageRoot string
	flagSyncURL     string
	flagUser        string
	flagSession     string
)

type runtime struct {
	cfg       app.Config
	logger    *logging.Logger
	storage   *checkpoint.FileStorage
	manager   *checkpoint.Manager
	streaming *checkpoint.StreamingStore
}

func buildRuntime() (*runtime, error) {
	cfg, err := app.LoadConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagStorageRoot != "" {
		cfg.StorageRoot = flagStorageRoot
	}
	if flagSyncURL != "" {
		cfg.SyncEnabled = true
		cfg.SyncBaseURL = flagSyncURL
	}
	if flagUser != "" {
		cfg.SyncUserID = flagUser
	}

	logger := logging.NewLogger(os.Stderr)
	storage := checkpoint.NewFileStorage(cfg.StorageRoot)

	opts := []checkpoint.ManagerOption{
		checkpoint.WithLogger(logger),
		checkpoint.WithGraceDelay(cfg.GraceDelay()),
	}
	if cfg.SyncEnabled {
		opts = append(opts, checkpoint.WithSync(checkpoint.NewSyncClient(cfg.SyncBaseURL, cfg.SyncUserID)))
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		storage: storage,
		manager: checkpoint.NewManager(storage, opts...),
		streaming: checkpoint.NewStreamingStore(storage,
			checkpoint.WithClearDelay(cfg.StreamClearDelay())),
	}, nil
}

func (rt *runtime) newSession(id string) *app.Session {
	return app.NewSession(id, app.SessionConfig{
		Logger:           rt.logger,
		Checkpoints:      rt.manager,
		Streaming:        rt.streaming,
		DebounceInterval: rt.cfg.DebounceInterval(),
	})
}

func openInput(arg string) (io.ReadCloser, error) {
	if arg == "" || arg == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(arg)
}

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [file|-]",
		Short: "Fold a recorded event stream and print the final state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()

			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			input, err := openInput(arg)
			if err != nil {
				return err
			}
			defer input.Close()

			sess := rt.newSession(flagSession)
			sess.Begin("replay", "replayed event stream", nil)

			scanner := bufio.NewScanner(input)
			scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				_ = sess.HandleRaw(line) // malformed lines are logged and skipped
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stream: %w", err)
			}

			payload, err := json.MarshalIndent(sess.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [file|-]",
		Short: "Render a live event stream as it folds into state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()

			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			input, err := openInput(arg)
			if err != nil {
				return err
			}
			defer input.Close()

			sess := rt.newSession(flagSession)
			sess.Begin("watch", "live event stream", nil)

			program := tea.NewProgram(tui.NewWatchModel(sess))
			go func() {
				scanner := bufio.NewScanner(input)
				scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
				for scanner.Scan() {
					line := scanner.Bytes()
					if len(line) == 0 {
						continue
					}
					if err := sess.HandleRaw(line); err == nil {
						program.Send(tui.EventApplied{})
					}
				}
				program.Send(tui.StreamClosed{Err: scanner.Err()})
			}()

			_, err = program.Run()
			return err
		},
	}
}

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and resume task checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List locally stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()
			for _, cp := range rt.manager.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tretries=%d\t%s\n",
					cp.SessionID, cp.Status, cp.RetryCount, cp.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session>",
		Short: "Print one checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()
			cp, ok := rt.manager.Load(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("no checkpoint for session %q", args[0])
			}
			payload, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume <session>",
		Short: "Mark an interrupted checkpoint as retried and running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()
			sess := rt.newSession(args[0])
			cp, ok := sess.Resume(cmd.Context())
			if !ok {
				return fmt.Errorf("session %q has no interrupted checkpoint", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s at step %d/%d (retry %d)\n",
				cp.SessionID, cp.CurrentStepIndex, cp.TotalSteps, cp.RetryCount)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "interrupted",
		Short: "List interrupted checkpoints on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()
			if !rt.cfg.SyncEnabled {
				return fmt.Errorf("remote sync is not configured")
			}
			client := checkpoint.NewSyncClient(rt.cfg.SyncBaseURL, rt.cfg.SyncUserID)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			list, err := client.ListInterrupted(ctx)
			if err != nil {
				return err
			}
			for _, cp := range list {
				reason := cp.InterruptReason
				if reason == "" {
					reason = "unknown"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tretries=%d\n", cp.SessionID, reason, cp.RetryCount)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <session>",
		Short: "Delete a checkpoint locally and remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.manager.Close()
			rt.manager.Delete(args[0])
			return nil
		},
	})

	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "navi",
		Short:         "Client-side progress tracking for server-driven agent tasks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagStorageRoot, "storage-root", "", "override local storage root")
	root.PersistentFlags().StringVar(&flagSyncURL, "sync-url", "", "checkpoint backend base URL")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "user id for checkpoint sync")
	root.PersistentFlags().StringVar(&flagSession, "session", "local", "session id")

	root.AddCommand(newReplayCmd(), newWatchCmd(), newCheckpointsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
