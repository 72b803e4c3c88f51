package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "deskshell:", err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	clientFlags := &ClientFlags{}

	root := &cobra.Command{
		Use:   "deskshell",
		Short: "Desktop shell host for the bundled backend server",
		Long: `deskshell starts the backend bundled under <resources>/resources, keeps it
for the lifetime of the session and kills it, waiting until its port is
released, when the window closes or the application exits.

Examples:
  deskshell run
  deskshell run --config=deskshell.toml --listen=127.0.0.1:8787
  deskshell paths --resource-dir=/opt/wardrobe
  deskshell status --api-url=http://127.0.0.1:8787
  deskshell exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.ResourceDir, "resource-dir", "", "override the resource directory")
	root.PersistentFlags().StringVar(&globalFlags.Binary, "binary", "", "override the backend file name")

	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createPathsCommand(globalFlags),
		createStatusCommand(globalFlags, clientFlags),
		createExitCommand(globalFlags, clientFlags),
		createVersionCommand(),
	)
	return root
}

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the backend and hold it until exit",
		Long: `Start the backend and keep it running until SIGINT/SIGTERM or a
POST to the control API's /window/close or /app/exit. Startup errors exit
with status 1 before the control API is served.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(cmd.Context(), *globalFlags, *runFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&runFlags.Port, "port", -1, "backend port checked for release after exit (0 disables)")
	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "serve the control API on this address")
	cmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().BoolVar(&runFlags.NoLock, "no-lock", false, "allow several instances (also disables the backend pid file and stale backend cleanup)")
	return cmd
}

func createPathsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved backend, lock and pid file paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPaths(*globalFlags, cmd.OutOrStdout())
		},
	}
}

func addClientFlags(cmd *cobra.Command, f *ClientFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "control API URL (default from the config's [server] section)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createStatusCommand(globalFlags *GlobalFlags, clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend state of a running shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), *globalFlags, *clientFlags, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, clientFlags)
	return cmd
}

func createExitCommand(globalFlags *GlobalFlags, clientFlags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Ask a running shell to exit and wait until its backend is gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestExit(cmd.Context(), *globalFlags, *clientFlags, cmd.OutOrStdout())
		},
	}
	addClientFlags(cmd, clientFlags)
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deskshell", version)
		},
	}
}
