// Package commands defines all Cobra CLI commands for the quilora binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/audit"
	"github.com/quilora/quilora-go/internal/config"
	"github.com/quilora/quilora-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quilora",
		Short: "Quilora — retrieval-augmented question answering over your documents",
		Long: `Quilora answers natural language questions grounded in your own documents.

Index documents from files or URLs, then ask questions: Quilora embeds the
query, searches the vector store for relevant chunks, and generates an
answer constrained to the retrieved context. Answers cite their sources.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.quilora/config.yaml).
See 'quilora --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.quilora/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewIndexCmd(),
		NewDeleteCmd(),
		NewServeCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
