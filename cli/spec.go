package cli

import (
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/spf13/cobra"
)

// specCmd prints the driver's config template
var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "spec command",
	RunE: func(_ *cobra.Command, _ []string) error {
		spec := map[string]any{
			"type":   connector.Type(),
			"config": connector.Spec(),
		}
		logger.Info(spec)
		if noSave || configPath == "" {
			return nil
		}
		if err := logger.FileLogger(spec, "spec", ".json"); err != nil {
			logger.Warnf("failed to create spec file: %s", err)
		}
		return nil
	},
}
