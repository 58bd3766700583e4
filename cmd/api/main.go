package main

import (
	"os"

	"github.com/spf13/cobra"
)

var BuildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "wiki-api",
	Short: "Wiki API server",
	Long:  "Serves the wiki API and runs its maintenance routines.",
	// Running the binary without a subcommand serves, as the container entrypoint expects.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, serveOptions{})
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of the wiki API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s\n", BuildVersion)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
