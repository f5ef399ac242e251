package main

import (
	olakecdc "github.com/datazip-inc/olake-cdc"
	"github.com/datazip-inc/olake-cdc/drivers/base"
	driver "github.com/datazip-inc/olake-cdc/drivers/mysql/internal"
	"github.com/datazip-inc/olake-cdc/protocol"
)

func main() {
	driver := &driver.MySQL{
		Driver: base.NewBase(),
	}
	_ = protocol.Driver(driver)

	olakecdc.RegisterDriver(driver)
}
