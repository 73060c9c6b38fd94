package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "krill",
	Short: "local process orchestrator for robotics workspaces",
	Long: `krill supervises a workspace of native processes — pixi tasks, ROS2
launch files, and shell commands — with dependency ordering, health
checks, and automatic restarts.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
