package olakecdc

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/datazip-inc/olake-cdc/cli"
	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/protocol"
)

// RegisterDriver runs the command line for driver until it finishes or the
// process is interrupted.
func RegisterDriver(driver protocol.Driver) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Execute the root command
	err := cli.CreateRootCommand(driver).ExecuteContext(ctx)
	if err != nil {
		logger.Fatal(err)
	}
}
