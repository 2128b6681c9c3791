// Package cli holds helpers shared by crewbotd commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Output formats accepted by --output.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// AddOutputFlag registers -o/--output on cmd.
func AddOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", FormatText, "Output format (text or json)")
}

// OutputFormat returns the validated --output value.
func OutputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case FormatText, FormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format %q: must be %s or %s", format, FormatText, FormatJSON)
	}
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FlagInfo describes one flag in a command description.
type FlagInfo struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Type      string `json:"type"`
	Default   string `json:"default,omitempty"`
	Usage     string `json:"usage,omitempty"`
	Required  bool   `json:"required"`
}

// CommandInfo is a machine-readable description of a command tree.
type CommandInfo struct {
	Name        string        `json:"name"`
	Use         string        `json:"use,omitempty"`
	Short       string        `json:"short,omitempty"`
	Flags       []FlagInfo    `json:"flags,omitempty"`
	Subcommands []CommandInfo `json:"subcommands,omitempty"`
}

// Describe walks cmd and its visible subcommands.
func Describe(cmd *cobra.Command) CommandInfo {
	info := CommandInfo{
		Name:  cmd.Name(),
		Use:   cmd.Use,
		Short: cmd.Short,
	}

	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" || f.Name == "help-json" {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		info.Flags = append(info.Flags, FlagInfo{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Type:      f.Value.Type(),
			Default:   f.DefValue,
			Usage:     f.Usage,
			Required:  required,
		})
	})

	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		info.Subcommands = append(info.Subcommands, Describe(sub))
	}
	return info
}

// AddHelpJSONFlag adds --help-json to root and all its subcommands.
func AddHelpJSONFlag(root *cobra.Command) {
	root.PersistentFlags().Bool("help-json", false, "Print the command description as JSON")
}

// HandleHelpJSON prints the description of the command named by args when
// --help-json is present and reports whether it did. It runs before Execute so
// positional argument validation does not get in the way.
func HandleHelpJSON(root *cobra.Command, args []string) bool {
	for i, arg := range args {
		if arg != "--help-json" {
			continue
		}
		target := root
		if found, _, err := root.Find(args[:i]); err == nil && found != nil {
			target = found
		}
		if err := WriteJSON(os.Stdout, Describe(target)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return true
	}
	return false
}
