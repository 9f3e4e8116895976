package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sdlcflow/sdlcflow/internal/orchestrator"
	"github.com/sdlcflow/sdlcflow/internal/statestore"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a running workflow",
	Long: `Cancel a running workflow by sending SIGTERM to the process holding
its lock. The engine's own signal handling then brings the run down as a
Cancellation, checkpoints the interrupted state, and exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(c *cobra.Command, args []string) error {
	workflowID := args[0]

	dir, err := getWorkDir()
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("resolving work dir: %w", err))
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}

	pid, err := statestore.ReadLockPID(cfg.StateDir(dir), workflowID)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("workflow %s has no running orchestrator: %w", workflowID, err))
	}

	if err := validateSdlcflowProcess(pid); err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("refusing to signal pid %d: %w", pid, err))
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("finding process %d: %w", pid, err))
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return exitErr(orchestrator.ExitConfigError, fmt.Errorf("orchestrator process %d for workflow %s no longer exists", pid, workflowID))
		}
		if err == syscall.EPERM {
			return exitErr(orchestrator.ExitConfigError, fmt.Errorf("permission denied signalling orchestrator (pid %d)", pid))
		}
		return exitErr(orchestrator.ExitConfigError, fmt.Errorf("sending signal: %w", err))
	}

	fmt.Printf("Sent cancellation signal to workflow %s (pid %d)\n", workflowID, pid)
	return nil
}

// validateSdlcflowProcess confirms pid is actually an sdlcflow process
// before signalling it, since lock files can outlive a reused PID.
func validateSdlcflowProcess(pid int) error {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("process %d does not exist", pid)
		}
		return fmt.Errorf("reading process info: %w", err)
	}
	if !strings.Contains(string(cmdline), "sdlcflow") {
		return fmt.Errorf("process %d is not an sdlcflow process", pid)
	}
	return nil
}
