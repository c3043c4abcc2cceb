package main

import (
	"os"

	"github.com/ctf-gg/nerine/cmd"
	"github.com/ctf-gg/nerine/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	dev := os.Getenv("DEVELOPMENT")
	if dev == "true" {
		logger.Init(true)
	} else {
		logger.Init(false)
	}
	defer zap.L().Sync()
	cmd.Execute()
}
