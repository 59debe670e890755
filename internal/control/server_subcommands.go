package control

import (
	"fmt"

	"dictum/internal/config"
	"dictum/internal/logging"
	"dictum/internal/whisperserver"

	"github.com/spf13/cobra"
)

// NewServerCmd manages the inference server directly, without the daemon.
func NewServerCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the local inference server",
	}
	cmd.AddCommand(newServerStartCmd(cfgPath))
	cmd.AddCommand(newServerStopCmd(cfgPath))
	cmd.AddCommand(newServerStatusCmd(cfgPath))
	return cmd
}

func newServerStartCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start (or adopt) the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			sup := whisperserver.NewSupervisor(cfg, logger)
			if err := sup.EnsureRunning(cmd.Context(), cfg.Server.ModelPath, cfg.Server.Port); err != nil {
				return err
			}
			h, _ := sup.Handle()
			fmt.Printf("inference server running (pid %d, port %d)\n", h.PID, h.Port)
			return nil
		},
	}
}

func newServerStopCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			sup := whisperserver.NewSupervisor(cfg, logger)
			if err := sup.StopServer(); err != nil {
				return err
			}
			fmt.Println("inference server stopped")
			return nil
		},
	}
}

func newServerStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the inference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.Configure(cfg)
			if err != nil {
				return err
			}
			sup := whisperserver.NewSupervisor(cfg, logger)
			if sup.Probe(cmd.Context(), cfg.Server.Port) {
				fmt.Printf("reachable on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
				return nil
			}
			fmt.Printf("not reachable on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			return nil
		},
	}
}
