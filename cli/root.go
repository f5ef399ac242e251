// Package cli exposes a driver as the olake-cdc command line.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
	"github.com/datazip-inc/olake-cdc/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string
	noSave     bool

	commands  = []*cobra.Command{}
	connector protocol.Driver
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "olake-cdc",
	Short: "change data capture for SQL Server, PostgreSQL and MySQL",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// set global variables
		if !noSave && configPath != "" {
			viper.Set("CONFIG_FOLDER", filepath.Dir(configPath))
		}
		// logger uses CONFIG_FOLDER
		logger.Init()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}

		if ok := utils.IsValidSubcommand(commands, args[0]); !ok {
			return fmt.Errorf("'%s' is an invalid command. Use 'olake-cdc --help' to display usage guide", args[0])
		}

		return nil
	},
}

func CreateRootCommand(driver protocol.Driver) *cobra.Command {
	connector = driver
	return RootCmd
}

// loadConfig reads --config into the driver config and applies its defaults.
func loadConfig() error {
	if configPath == "" {
		return fmt.Errorf("--config not passed")
	}
	config := connector.GetConfigRef()
	if err := utils.UnmarshalFile(configPath, config); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}
	return nil
}

func init() {
	commands = append(commands, specCmd, checkCmd, streamCmd, positionsCmd, dlqCmd)
	RootCmd.AddCommand(commands...)
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "", "", "(Required) Config for connector")
	RootCmd.PersistentFlags().BoolVarP(&noSave, "no-save", "", false, "(Optional) Flag to skip logging artifacts in file")
	// Disable Cobra CLI's built-in usage and error handling
	RootCmd.SilenceUsage = true
	RootCmd.SilenceErrors = true

	// OLAKE_CDC_LOG_LEVEL and friends
	viper.SetEnvPrefix("OLAKE_CDC")
	viper.AutomaticEnv()
}
