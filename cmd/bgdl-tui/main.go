package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/handiism/background-downloader/internal/config"
	"github.com/handiism/background-downloader/internal/tui"
)

func main() {
	configFlag := flag.String("config", "", "Path to config file (default "+config.DefaultPath()+")")
	flag.Parse()

	settings, err := config.LoadEffective(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := tui.Run(settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
