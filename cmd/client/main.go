package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pylon/internal/service/app"
	"pylon/internal/utils/log"
)

func main() {
	host := flag.String("host", "localhost:8000", "pylon server address")
	logFile := flag.String("log", "pylon-client.log", "log file; the terminal is taken by the UI")
	flag.Parse()

	if _, err := log.Setup(log.Options{Level: "info", Format: "console", Outputs: []string{*logFile}}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	a := app.NewApp(app.NewClient(*host))
	if err := a.Run(); err != nil {
		log.Fatal("cannot run app", zap.Error(err))
	}
}
