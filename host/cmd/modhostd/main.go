// Package main provides modhostd, a daemon that hosts modules described by a
// config file and supervises their out-of-process companions.
package main

import (
	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"go.viam.com/modhost/host"
)

var logger = golog.NewDevelopmentLogger("modhostd")

func main() {
	utils.ContextualMain(host.RunHost, logger)
}
