package control

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"prism/internal/config"
)

// NewConfigCmd prints the effective configuration after .env and PRISM_*
// overrides.
func NewConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			cmd.Printf("# %s\n", cfg.Paths.ConfigPath)
			enc := toml.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(cfg)
		},
	}
}
