package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewUnitCmd создаёт группу команд для единиц работы.
func NewUnitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage work units",
	}

	cmd.AddCommand(newUnitAddCmd(clientFn, outputFn))
	return cmd
}

func newUnitAddCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add TRANSFORM_ID [KEY...]",
		Short: "Register work units by key or from a JSON file",
		Long: `Register work units for a transform.

Keys can be passed as arguments, or a JSON array of units can be read
from --file:

  [{"key": "doc-1", "attributes": {"storage_path": "s3://bucket/doc-1.pdf"}}]`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			units, err := collectUnits(args[1:], file)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				return fmt.Errorf("no units given: pass keys or --file")
			}

			resp, err := clientFn().AddUnits(args[0], units)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Accepted %d units for transform %s", resp.Accepted, resp.TransformID))
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to JSON array of units")
	return cmd
}

func collectUnits(keys []string, file string) ([]Unit, error) {
	var units []Unit
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read units file: %w", err)
		}
		if err := json.Unmarshal(data, &units); err != nil {
			return nil, fmt.Errorf("units file is not a valid JSON array: %w", err)
		}
	}
	for _, k := range keys {
		units = append(units, Unit{Key: k})
	}
	return units, nil
}
