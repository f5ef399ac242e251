package main

import (
	olakecdc "github.com/datazip-inc/olake-cdc"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	driver "github.com/datazip-inc/olake-cdc/drivers/postgres/internal"
	"github.com/datazip-inc/olake-cdc/protocol"
)

func main() {
	driver := &driver.Postgres{
		Driver: base.NewBase(),
	}
	_ = protocol.Driver(driver)

	olakecdc.RegisterDriver(driver)
}
