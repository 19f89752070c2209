package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/pixelsmith/internal/batch"
	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/tools"
)

var batchSpecsFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Work with batch job specifications",
}

var batchEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the provider cost of a batch without running it",
	RunE:  runBatchEstimate,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchEstimateCmd)

	batchEstimateCmd.Flags().StringVarP(&batchSpecsFile, "file", "f", "", "JSON file holding the batch specs (required)")
	_ = batchEstimateCmd.MarkFlagRequired("file")
}

// specEntry mirrors one element of the specs JSON file.
type specEntry struct {
	Tool        string `json:"tool"`
	Prompt      string `json:"prompt"`
	ImagePath   string `json:"image_path,omitempty"`
	MaskPath    string `json:"mask_path,omitempty"`
	Size        string `json:"size,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Format      string `json:"format,omitempty"`
	SampleCount int    `json:"sample_count,omitempty"`
}

func loadSpecs(path string) ([]jobs.Spec, error) {
	data, err := os.ReadFile(path) // #nosec G304 - user-supplied specs file is the point
	if err != nil {
		return nil, fmt.Errorf("read specs file: %w", err)
	}
	var entries []specEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse specs file: %w", err)
	}
	specs := make([]jobs.Spec, 0, len(entries))
	for _, e := range entries {
		tool := e.Tool
		if tool == "" {
			tool = "generate"
		}
		specs = append(specs, jobs.Spec{
			Tool: tool,
			Request: tools.Request{
				Prompt:      e.Prompt,
				ImagePath:   e.ImagePath,
				MaskPath:    e.MaskPath,
				Size:        e.Size,
				Quality:     e.Quality,
				Format:      e.Format,
				SampleCount: e.SampleCount,
			},
		})
	}
	return specs, nil
}

func runBatchEstimate(cmd *cobra.Command, args []string) error {
	if err := requireTableOrJSON(); err != nil {
		return err
	}
	specs, err := loadSpecs(batchSpecsFile)
	if err != nil {
		return err
	}
	est, err := batch.EstimateCost(specs)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(est)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Quality", "Images", "Min USD", "Max USD")
	tiers := make([]string, 0, len(est.Breakdown))
	for tier := range est.Breakdown {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		q := est.Breakdown[tier]
		table.Append(tier, fmt.Sprintf("%d", q.Images),
			fmt.Sprintf("%.3f", q.Min), fmt.Sprintf("%.3f", q.Max))
	}
	table.Append("total", fmt.Sprintf("%d", est.Images),
		fmt.Sprintf("%.3f", est.Min), fmt.Sprintf("%.3f", est.Max))
	table.Render()
	return nil
}
