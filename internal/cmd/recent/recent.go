// Package recent implements `kapten recent`, which replays the report of
// the most recent run.
package recent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaptenlabs/kapten/internal/cmdutil"
)

// RecentCmd returns the recent subcommand.
func RecentCmd(helper *cmdutil.Helper) *cobra.Command {
	return &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent run report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := findMostRecentReport(helper.RunsDir())
			if err != nil {
				if os.IsNotExist(err) {
					helper.UI.Warn("No recent kapten runs found")
					return nil
				}
				helper.LogError("reading run reports", err)
				return &cmdutil.Error{ExitCode: 1, Err: err}
			}
			rendered, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				helper.LogError("", err)
				return &cmdutil.Error{ExitCode: 1, Err: err}
			}
			helper.UI.Output(string(rendered))
			return nil
		},
	}
}

// findMostRecentReport picks the newest report in runsDir. Report names are
// ksuids, so the lexicographic maximum is the most recent.
func findMostRecentReport(runsDir string) (map[string]interface{}, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, err
	}
	max := ""
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(name, ".json") && name > max {
			max = name
		}
	}
	if max == "" {
		return nil, os.ErrNotExist
	}
	raw, err := os.ReadFile(filepath.Join(runsDir, max))
	if err != nil {
		return nil, err
	}
	report := make(map[string]interface{})
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return report, nil
}
