package main

import (
	"os"

	"github.com/neocortix/ncscli-sub000/cmd/batchrunner/cmd"
	"github.com/neocortix/ncscli-sub000/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	os.Exit(cmd.Execute())
}
