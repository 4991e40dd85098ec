package main

import (
	"os"

	"github.com/spf13/cobra"

	"storysave/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "storysave",
		Short:        "Save queue for story editor changes",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the config file")
	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(fullSaveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
