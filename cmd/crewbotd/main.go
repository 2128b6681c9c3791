package main

import (
	"fmt"
	"os"

	"github.com/cloo-solutions/crewbot/internal/cli"
	"github.com/cloo-solutions/crewbot/internal/cli/admin"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "crewbotd",
		Short:         "Crewbot webhook daemon and tools",
		Long:          "Crewbot answers frontline staff questions over messaging channels within the provider's webhook window",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(admin.ServeCmd())
	rootCmd.AddCommand(admin.IngestCmd())
	rootCmd.AddCommand(admin.ClassifyCmd())

	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if cli.HandleHelpJSON(rootCmd, os.Args[1:]) {
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
