package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var svcCfg = &service.Config{
	Name:        "edgecache",
	DisplayName: "edgecache",
	Description: "An offline-first edge caching gateway.",
}

var svc service.Service

// serverService bridges the start command into the service manager.
type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the executable path, %w", err)
	}

	cfg := *svcCfg
	cfg.WorkingDirectory = filepath.Dir(execPath)
	cfg.Arguments = []string{"start", "--as-service"}
	// Service config lives next to the binary.
	if _, err := os.Stat(filepath.Join(cfg.WorkingDirectory, "config.yaml")); err == nil {
		cfg.Arguments = append(cfg.Arguments, "-c", filepath.Join(cfg.WorkingDirectory, "config.yaml"))
	}

	svc, err = service.New(&serverService{f: new(serverFlags)}, &cfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install edgecache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall edgecache from system services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the edgecache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the edgecache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the edgecache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the edgecache service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("running")
			case service.StatusStopped:
				fmt.Println("stopped")
			default:
				fmt.Println("unknown")
			}
			return nil
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
}
