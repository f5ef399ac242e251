package cli

import (
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/health"
	"github.com/spf13/cobra"
)

type connectionStatus struct {
	Status  health.Status  `json:"status"`
	Message string         `json:"message,omitempty"`
	Report  *health.Report `json:"report,omitempty"`
}

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check command",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return loadConfig()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		status := func() connectionStatus {
			p, err := openPipeline(cmd.Context())
			if err != nil {
				return connectionStatus{Status: health.Unhealthy, Message: err.Error()}
			}
			defer func() {
				if err := p.close(); err != nil {
					logger.Warnf("failed to close pipeline: %s", err)
				}
			}()

			report := p.monitor.Run(cmd.Context())
			return connectionStatus{Status: report.Status, Report: &report}
		}()

		logger.Info(status)
		if !noSave {
			if err := logger.FileLogger(status, "check", ".json"); err != nil {
				logger.Warnf("failed to write check result: %s", err)
			}
		}
	},
}
