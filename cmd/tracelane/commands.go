package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tracelane/tracelane"
	"github.com/tracelane/tracelane/internal/logger"
	"github.com/tracelane/tracelane/internal/server"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "tracelane",
		Short:         "profiler run manager",
		Long:          "tracelane launches GPU/CPU profiling tools, supervises their processes, and extracts normalized timelines from their trace artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (TOML or YAML)")
	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newProfileCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("tracelane", version)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the daemon: manager, REST API, and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := tracelane.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log)
			mgr, err := tracelane.New(cfg, log)
			if err != nil {
				return err
			}
			if err := tracelane.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			if cfg.History.Enabled {
				path := cfg.History.Path
				if path == "" {
					path = filepath.Join(mgr.Root(), "history.sqlite")
				}
				sink, err := tracelane.NewHistorySink(path)
				if err != nil {
					return err
				}
				defer func() { _ = sink.Close() }()
				mgr.SetHistorySink(sink)
			}

			srv := server.NewServer(cfg.Server.Addr, cfg.Server.BasePath, mgr.Internal())
			log.Info("serving", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "root", mgr.Root())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			log.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func newProfileCmd(configPath *string) *cobra.Command {
	var (
		profFlag  string
		workDir   string
		extraArgs []string
		name      string
	)
	cmd := &cobra.Command{
		Use:   "profile -- <command> [args...]",
		Short: "profile one command in the foreground and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tracelane.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log)
			mgr, err := tracelane.New(cfg, log)
			if err != nil {
				return err
			}
			target := shellJoin(args)
			d, err := mgr.StartRun(tracelane.StartRequest{
				Profiler:  tracelane.Profiler(profFlag),
				Command:   target,
				WorkDir:   workDir,
				ExtraArgs: extraArgs,
				Name:      name,
			})
			if err != nil {
				return err
			}
			cmd.Println("run", d.ID, "started, pid", d.PID)

			d = waitTerminal(mgr, d.ID)
			out, _ := json.MarshalIndent(d, "", "  ")
			cmd.Println(string(out))
			if d.ReturnCode != nil && *d.ReturnCode != 0 {
				return fmt.Errorf("run %s finished %s (return code %d)", d.ID, d.Status, *d.ReturnCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&profFlag, "profiler", "p", "nsys", "profiler id (nsys, ncu, nvprof, rocprof, rocprofv2)")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "working directory under the workspace root")
	cmd.Flags().StringArrayVar(&extraArgs, "arg", nil, "extra profiler argument (repeatable)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "run name")
	return cmd
}

func waitTerminal(mgr *tracelane.Manager, id string) tracelane.RunDescriptor {
	for {
		d, err := mgr.GetRun(id)
		if err != nil {
			return d
		}
		switch d.Status {
		case "completed", "failed", "stopped":
			return d
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// shellJoin rebuilds a command string from argv, quoting tokens with spaces.
func shellJoin(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		if containsSpace(a) {
			out += "'" + a + "'"
		} else {
			out += a
		}
	}
	return out
}

func containsSpace(s string) bool {
	for _, r := range s {
		if r == ' ' || r == '\t' {
			return true
		}
	}
	return false
}
