package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zero-robotics/krill/internal/config"
	"github.com/zero-robotics/krill/internal/dag"
	"github.com/zero-robotics/krill/internal/manifest"
)

type checkResult struct {
	Path     string   `json:"path"`
	Name     string   `json:"name,omitempty"`
	Services []string `json:"services,omitempty"`
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [manifest]",
	Short: "Validate a workspace manifest",
	Long:  "Parse a krill.yaml workspace manifest, validate its schema, and confirm the dependency graph it declares has no cycles. Defaults to the discovered manifest when no path is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	resolved, err := resolveManifestPath(target)
	if err != nil {
		return err
	}

	result := checkOne(resolved)

	if jsonOut {
		return printJSON(result)
	}

	if result.Valid {
		fmt.Printf("OK    %s (%s, %d service(s): %v)\n", result.Path, result.Name, len(result.Services), result.Services)
		return nil
	}

	fmt.Fprintf(os.Stderr, "FAIL  %s\n      %s\n", result.Path, result.Error)
	return fmt.Errorf("manifest validation failed")
}

// checkOne loads and validates the manifest at path, then confirms its
// dependency graph is acyclic and reports a valid startup order — the
// same two steps the daemon performs before it ever spawns a process.
func checkOne(path string) checkResult {
	ws, err := manifest.Load(path)
	if err != nil {
		return checkResult{Path: path, Valid: false, Error: err.Error()}
	}

	graph, err := dag.Build(ws.Services)
	if err != nil {
		return checkResult{Path: path, Name: ws.Name, Valid: false, Error: err.Error()}
	}

	order := graph.StartupOrder()
	return checkResult{Path: path, Name: ws.Name, Services: order, Valid: true}
}

// resolveManifestPath reuses the daemon's discovery rules (explicit
// path, KRILL_CONFIG, ./krill.yaml or a parent directory's krill.yaml,
// ~/.krill/krill.yaml) so `krill
// check` validates the same manifest `krill up` would load.
func resolveManifestPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("cannot access %s: %w", explicit, err)
		}
		if abs, err := filepath.Abs(explicit); err == nil {
			return abs, nil
		}
		return explicit, nil
	}
	return config.DiscoverManifest("")
}
