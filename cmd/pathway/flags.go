package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

func initFlags() (*flag.FlagSet, error) {
	f := flag.NewFlagSet("pathway", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files, merged in order")
	f.String("port", "8080", "port for the status server")
	f.String("log_level", "info", "log level (trace, debug, info, warn, error)")
	f.Bool("dev", false, "human readable console logging")
	f.Int("engine.workers", 4, "requested worker count")
	f.Bool("engine.enterprise", false, "enable the enterprise worker ceiling")
	f.Bool("version", false, "show the build version")

	if err := f.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	return f, nil
}
