package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tributary-io/tributary/internal/config"
	"github.com/tributary-io/tributary/internal/dlq"
)

var dlqDir string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered events",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DLQ files with per-file record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDLQDir()
		if err != nil {
			return err
		}
		files, err := dlq.ListFiles(dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		for _, name := range files {
			recs, err := dlq.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\n", name, len(recs))
		}
		return nil
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Summarize DLQ records by destination, category, and table",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDLQDir()
		if err != nil {
			return err
		}
		s, err := dlq.Summarize(dir)
		if err != nil {
			return err
		}
		fmt.Printf("total: %d\n", s.Total)
		if s.Total == 0 {
			return nil
		}

		fmt.Println("by destination:")
		for _, k := range sortedKeys(s.ByDestination) {
			fmt.Printf("  %s: %d\n", k, s.ByDestination[k])
		}
		fmt.Println("by category:")
		for _, k := range sortedKeys(s.ByCategory) {
			fmt.Printf("  %s: %d\n", k, s.ByCategory[k])
		}
		fmt.Println("by table:")
		for _, k := range sortedKeys(s.ByTable) {
			fmt.Printf("  %s: %d\n", k, s.ByTable[k])
		}
		return nil
	},
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqDir, "dir", "", "DLQ directory (default: from config)")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqCountCmd)
}

// resolveDLQDir prefers the --dir flag, then the config file, then the
// built-in default.
func resolveDLQDir() (string, error) {
	if dlqDir != "" {
		return dlqDir, nil
	}
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return "", exitWith(exitInvalidConfig, err)
		}
		return cfg.DLQ.Dir, nil
	}
	return "data/dlq", nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
