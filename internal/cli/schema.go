// Package cli holds helpers shared by the regauditd commands.
package cli

import (
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const helpJSONFlag = "help-json"

// FlagSchema describes one flag in the --help-json output
type FlagSchema struct {
	Name        string `json:"name"`
	Shorthand   string `json:"shorthand,omitempty"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Repeatable  bool   `json:"repeatable,omitempty"`
}

// CommandSchema describes a command and its subcommands
type CommandSchema struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Use         string          `json:"use,omitempty"`
	Description string          `json:"description,omitempty"`
	Long        string          `json:"long,omitempty"`
	Runnable    bool            `json:"runnable"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

// GenerateSchema describes cmd and every visible command below it
func GenerateSchema(cmd *cobra.Command) CommandSchema {
	schema := CommandSchema{
		Name:        cmd.Name(),
		Path:        cmd.CommandPath(),
		Use:         cmd.Use,
		Description: cmd.Short,
		Long:        cmd.Long,
		Runnable:    cmd.Runnable(),
	}
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" || f.Name == helpJSONFlag {
			return
		}
		schema.Flags = append(schema.Flags, flagToSchema(f))
	})
	for _, sub := range cmd.Commands() {
		if !sub.IsAvailableCommand() {
			continue
		}
		schema.Subcommands = append(schema.Subcommands, GenerateSchema(sub))
	}
	return schema
}

func flagToSchema(f *pflag.Flag) FlagSchema {
	typ := f.Value.Type()
	schema := FlagSchema{
		Name:        f.Name,
		Shorthand:   f.Shorthand,
		Type:        typ,
		Default:     f.DefValue,
		Description: f.Usage,
		Repeatable:  strings.HasSuffix(typ, "Slice") || strings.HasSuffix(typ, "Array"),
	}
	// MarkFlagRequired annotates the flag itself
	if vals := f.Annotations[cobra.BashCompOneRequiredFlag]; len(vals) > 0 && vals[0] == "true" {
		schema.Required = true
	}
	if schema.Repeatable && schema.Default == "[]" {
		schema.Default = ""
	}
	return schema
}

// AddHelpJSONFlag registers --help-json on cmd and all its subcommands
func AddHelpJSONFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Bool(helpJSONFlag, false, "Print the command schema as JSON")
}

// HelpJSONTarget scans raw arguments for --help-json and returns the
// command it applies to. Arguments after "--" are never inspected.
func HelpJSONTarget(root *cobra.Command, args []string) (*cobra.Command, bool) {
	var path []string
	requested := false
	for _, arg := range args {
		if arg == "--" {
			break
		}
		switch {
		case arg == "--"+helpJSONFlag || arg == "--"+helpJSONFlag+"=true":
			requested = true
		case !strings.HasPrefix(arg, "-") && !requested:
			path = append(path, arg)
		}
	}
	if !requested {
		return nil, false
	}
	return findCommand(root, path), true
}

// WriteSchema prints the schema of cmd as indented JSON
func WriteSchema(w io.Writer, cmd *cobra.Command) error {
	return PrintJSON(w, GenerateSchema(cmd))
}

// findCommand walks path as far as it names subcommands; positional
// arguments after the last match are ignored.
func findCommand(cmd *cobra.Command, path []string) *cobra.Command {
	for _, name := range path {
		next := (*cobra.Command)(nil)
		for _, sub := range cmd.Commands() {
			if sub.Name() == name || sub.HasAlias(name) {
				next = sub
				break
			}
		}
		if next == nil {
			break
		}
		cmd = next
	}
	return cmd
}
