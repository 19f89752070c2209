package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/pixelsmith/internal/provenance"
)

var (
	verifyParamsFile string
	verifyHistoryID  string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Extract and check the provenance record embedded in an image",
	Long: `verify reads the provenance record embedded in a PNG or JPEG file.
With --params or --history it additionally recomputes the parameter hash
and reports whether the image matches the given parameter set.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyParamsFile, "params", "", "JSON file with the parameter set to verify against")
	verifyCmd.Flags().StringVar(&verifyHistoryID, "history", "", "history record id to verify against")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if err := requireTableOrJSON(); err != nil {
		return err
	}
	img, err := os.ReadFile(args[0]) // #nosec G304 - user names the image to inspect
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	rec, ok := provenance.Extract(img)
	if !ok {
		return errors.New("no provenance record found")
	}

	var verification *provenance.VerifyResult
	params, err := verifyParams()
	if err != nil {
		return err
	}
	if params != nil {
		res := provenance.Verify(rec, params)
		verification = &res
	}

	if jsonOutput() {
		out := map[string]any{"record": rec}
		if verification != nil {
			out["valid"] = verification.Valid
			out["message"] = verification.Message
		}
		if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
			return err
		}
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Record ID", rec.ID)
		table.Append("Params Hash", rec.ParamsHash)
		if rec.ToolName != "" {
			table.Append("Tool", rec.ToolName)
		}
		if rec.Model != "" {
			table.Append("Model", rec.Model)
		}
		if rec.CreatedAt != "" {
			table.Append("Created At", rec.CreatedAt)
		}
		if rec.Size != "" {
			table.Append("Size", rec.Size)
		}
		if rec.Quality != "" {
			table.Append("Quality", rec.Quality)
		}
		if verification != nil {
			table.Append("Verified", fmt.Sprintf("%v (%s)", verification.Valid, verification.Message))
		}
		table.Render()
	}

	if verification != nil && !verification.Valid {
		return errors.New(verification.Message)
	}
	return nil
}

// verifyParams resolves the reference parameter set from either flag.
// Returns nil when the caller asked for extraction only.
func verifyParams() (map[string]any, error) {
	switch {
	case verifyParamsFile != "" && verifyHistoryID != "":
		return nil, errors.New("use either --params or --history, not both")
	case verifyParamsFile != "":
		data, err := os.ReadFile(verifyParamsFile) // #nosec G304 - user-supplied reference file
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		var params map[string]any
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("parse params file: %w", err)
		}
		return params, nil
	case verifyHistoryID != "":
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		s, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		defer func() { _ = s.Close() }()
		h, err := s.GetHistory(verifyHistoryID)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("history record %s not found", verifyHistoryID)
		}
		return h.Params, nil
	default:
		return nil, nil
	}
}
