package main

import (
	"github.com/retrograph/retrograph/cmd"
	"github.com/retrograph/retrograph/internal/logger"
)

func main() {
	defer logger.HandlePanic()
	cmd.Execute()
}
