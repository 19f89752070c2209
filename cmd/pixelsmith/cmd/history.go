package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List generation history records, newest first",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "rows to skip")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := requireTableOrJSON(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	list, err := s.ListHistory(historyLimit, historyOffset)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Record ID", "Tool", "Quality", "Samples", "Cost USD", "Created")
	for _, h := range list {
		cost := "-"
		if h.EstimatedCost != nil {
			cost = fmt.Sprintf("%.3f", *h.EstimatedCost)
		}
		table.Append(h.ID, h.ToolName, h.Quality,
			fmt.Sprintf("%d", h.SampleCount), cost,
			h.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d record(s)\n", len(list))
	return nil
}
