package main

import (
	"github.com/tensorlink/validator/cmd/tlctl/cmd"
	"github.com/tensorlink/validator/internal/common"
)

func main() {
	common.ConfigureLogging()
	cmd.Execute()
}
