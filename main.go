package main

import (
	"github.com/tradecore/safetycore/cmd"
)

const version = "0.1.0"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
