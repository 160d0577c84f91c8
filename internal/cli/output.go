package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const (
	OutputText = "text"
	OutputJSON = "json"
)

// AddOutputFlag adds -o/--output to cmd
func AddOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", OutputText, "Output format (text or json)")
}

// OutputFormat returns the validated -o value of cmd
func OutputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected text or json)", format)
}

// PrintJSON writes v as indented JSON followed by a newline
func PrintJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
