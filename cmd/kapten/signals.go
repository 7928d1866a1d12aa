package main

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals kills running interpreter children on the first interrupt,
// then reports so main can exit.
func watchSignals(onClose func()) <-chan struct{} {
	doneCh := make(chan struct{})
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-signalCh
		onClose()
		close(doneCh)
	}()
	return doneCh
}
