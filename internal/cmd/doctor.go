package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/hurricanerix/weave-compute/internal/config"
	"github.com/hurricanerix/weave-compute/internal/output"
	"github.com/hurricanerix/weave-compute/internal/socket"
)

var fixFlag bool

func addDoctorCommand(parent *cobra.Command) {
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment health",
		Long:  "Run diagnostic checks across all subsystems and report environment health.",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}

	doctorCmd.Flags().BoolVar(&fixFlag, "fix", false, "Attempt to auto-fix problems")

	parent.AddCommand(doctorCmd)
}

// CheckResult holds the result of a single doctor check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warning", "error"
	Detail string `json:"detail"`
}

// DoctorReport holds the complete doctor output.
type DoctorReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

// Testable check functions — replaceable in unit tests.
var (
	RuntimeDirChecker = checkRuntimeDir
	SocketChecker     = checkSocket
	ModelChecker      = checkModel
	DiskSpaceChecker  = checkDiskSpace
)

func runDoctor(cmd *cobra.Command, args []string) error {
	config.SetConfigDir(ConfigDir)
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	checks := []CheckResult{
		RuntimeDirChecker(),
		SocketChecker(),
		ModelChecker(cfg),
		DiskSpaceChecker(cfg),
	}

	healthy := true
	for _, c := range checks {
		if c.Status == "error" {
			healthy = false
			break
		}
	}

	report := DoctorReport{
		Healthy: healthy,
		Checks:  checks,
	}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), report)
	}

	// Human output
	if output.IsQuiet() && healthy {
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "weave-compute Doctor")
	fmt.Fprintln(cmd.OutOrStdout())

	var warnings, errors int
	for _, c := range checks {
		symbol := "✓" // checkmark
		switch c.Status {
		case "warning":
			symbol = "⚠" // warning triangle
			warnings++
		case "error":
			symbol = "✗" // X mark
			errors++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %-12s %s\n", symbol, c.Name, c.Detail)
	}

	fmt.Fprintln(cmd.OutOrStdout())

	if errors > 0 {
		var parts []string
		parts = append(parts, pluralize(errors, "error"))
		if warnings > 0 {
			parts = append(parts, pluralize(warnings, "warning"))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Problems found (%s).\n", strings.Join(parts, ", "))
	} else if warnings > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Everything looks good (%s).\n", pluralize(warnings, "warning"))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Everything looks good.")
	}

	if fixFlag {
		runFixes(cmd, checks)
	}

	return nil
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func checkRuntimeDir() CheckResult {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return CheckResult{
			Name:   "Runtime",
			Status: "error",
			Detail: "XDG_RUNTIME_DIR not set",
		}
	}

	info, err := os.Stat(runtimeDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:   "Runtime",
			Status: "error",
			Detail: fmt.Sprintf("%s does not exist or is not a directory", runtimeDir),
		}
	}

	return CheckResult{
		Name:   "Runtime",
		Status: "ok",
		Detail: runtimeDir,
	}
}

func checkSocket() CheckResult {
	path, err := socket.Path()
	if err != nil {
		return CheckResult{
			Name:   "Socket",
			Status: "error",
			Detail: fmt.Sprintf("could not derive path: %s", err),
		}
	}

	if _, err := os.Stat(path); err != nil {
		return CheckResult{
			Name:   "Socket",
			Status: "ok",
			Detail: fmt.Sprintf("no daemon running (%s)", path),
		}
	}

	if socket.IsStale(path) {
		return CheckResult{
			Name:   "Socket",
			Status: "warning",
			Detail: fmt.Sprintf("stale socket at %s", path),
		}
	}

	return CheckResult{
		Name:   "Socket",
		Status: "ok",
		Detail: fmt.Sprintf("daemon is running (%s)", path),
	}
}

func checkModel(cfg config.Config) CheckResult {
	path := cfg.Engine.ModelPath
	if path == "" {
		return CheckResult{
			Name:   "Model",
			Status: "error",
			Detail: "model_path not configured",
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{
			Name:   "Model",
			Status: "warning",
			Detail: fmt.Sprintf("%s not found", shortenHome(path)),
		}
	}

	sizeGB := float64(info.Size()) / (1024 * 1024 * 1024)
	return CheckResult{
		Name:   "Model",
		Status: "ok",
		Detail: fmt.Sprintf("%s (%.1f GB)", shortenHome(path), sizeGB),
	}
}

func checkDiskSpace(cfg config.Config) CheckResult {
	var stat unix.Statfs_t
	target := filepath.Dir(cfg.Engine.ModelPath)
	if _, err := os.Stat(target); err != nil {
		target = "."
	}
	if err := unix.Statfs(target, &stat); err != nil {
		return CheckResult{
			Name:   "Disk",
			Status: "warning",
			Detail: fmt.Sprintf("could not check: %s", err),
		}
	}

	freeBytes := stat.Bavail * uint64(stat.Bsize)
	freeGB := float64(freeBytes) / (1024 * 1024 * 1024)

	status := "ok"
	if freeGB < 5.0 {
		status = "warning"
	}

	return CheckResult{
		Name:   "Disk",
		Status: status,
		Detail: fmt.Sprintf("%.1f GB free in %s", freeGB, shortenHome(target)),
	}
}

func shortenHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}

func runFixes(cmd *cobra.Command, checks []CheckResult) {
	for _, c := range checks {
		if c.Status == "ok" {
			continue
		}
		switch c.Name {
		case "Socket":
			if strings.HasPrefix(c.Detail, "stale socket") {
				path, err := socket.Path()
				if err != nil {
					continue
				}
				if err := os.Remove(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "\nFix: Removed stale socket %s.\n", path)
				}
			}
		case "Model":
			fmt.Fprintln(cmd.OutOrStdout(), "\nFix: Download the model files into ./models or set model_path in config.toml.")
		case "Runtime":
			fmt.Fprintln(cmd.OutOrStdout(), "\nFix: Log in through a session manager that provides XDG_RUNTIME_DIR, or export it manually.")
		}
	}
}
