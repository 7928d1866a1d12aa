package main

import (
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/kaptenlabs/kapten/internal/cmd"
	"github.com/kaptenlabs/kapten/internal/process"
)

// kaptenVersion is overridden at release time via -ldflags.
var kaptenVersion = "0.0.1-dev"

func main() {
	exitCode := 1
	doneCh := make(chan struct{})
	processes := process.NewManager(hclog.Default().Named("processes"))
	signalCh := watchSignals(func() { processes.Close() })

	func() {
		defer func() { close(doneCh) }()
		exitCode = cmd.Execute(kaptenVersion, processes, os.Args[1:])
	}()

	select {
	case <-doneCh:
		processes.Close()
	case <-signalCh:
	}

	os.Exit(exitCode)
}
