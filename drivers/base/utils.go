package base

import (
	"context"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/utils"
)

// RetryOnBackoff runs f up to attempts times, doubling sleep between tries.
func RetryOnBackoff(ctx context.Context, attempts int, sleep time.Duration, f func() error) (err error) {
	for cur := 0; cur < attempts; cur++ {
		if err = f(); err == nil {
			return nil
		}
		if cur < attempts-1 {
			logger.Infof("retry attempt[%d], retrying after %.2f seconds due to err: %s", cur+1, sleep.Seconds(), err)
			if !utils.SleepContext(ctx, sleep) {
				return ctx.Err()
			}
			sleep = sleep * 2
		}
	}

	return err
}
