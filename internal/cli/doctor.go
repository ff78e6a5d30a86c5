package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaiwahq/kaiwa/internal/config"
	"github.com/kaiwahq/kaiwa/pkg/proc"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local environment",
	Long:  `Verify the configuration, the assistant binary, and the data directory.`,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "✓ %s\n", name)
	}

	cfg, err := config.Load(cfgFile)
	check("config loads", err)
	if err != nil {
		return fmt.Errorf("%d check(s) failed", failures)
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		check("config is valid", errs[0])
	} else {
		check("config is valid", nil)
	}

	binary, err := proc.ForHost().ResolveBinary(cfg.Runner.BinaryPath)
	check("assistant binary resolves", err)
	if err == nil {
		fmt.Fprintf(out, "  using %s\n", binary)
	}

	check("data directory is writable", writableDir(cfg.DataDir))

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

func writableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory is not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	marker, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	marker.Close()
	return os.Remove(marker.Name())
}
