// Package spinner provides a terminal spinner for long-running operations
// such as connecting to the state store.
package spinner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mitchellh/cli"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/kaptenlabs/kapten/internal/ui"
)

const tickInterval = 250 * time.Millisecond

// unwrapUi digs through cli.Ui wrappers until it finds a BasicUi to take
// the raw writer from. Passing through a ColoredUi marks color as enabled.
func unwrapUi(terminal cli.Ui, useColor bool) (io.Writer, bool) {
	switch terminal := terminal.(type) {
	case *cli.BasicUi:
		return terminal.Writer, useColor
	case *cli.ColoredUi:
		return unwrapUi(terminal.Ui, true)
	case *cli.ConcurrentUi:
		return unwrapUi(terminal.Ui, useColor)
	case *cli.PrefixedUi:
		return unwrapUi(terminal.Ui, useColor)
	case *cli.MockUi:
		return terminal.OutputWriter, false
	default:
		panic(fmt.Sprintf("unknown Ui: %v", terminal))
	}
}

// WaitFor runs fn and prints msg if it takes longer than initialDelay to
// complete. In interactive runs the message becomes a spinner updated every
// 250ms; on CI or without a tty msg is printed once so logs stay clean.
func WaitFor(ctx context.Context, fn func(), terminal cli.Ui, msg string, initialDelay time.Duration) error {
	doneCh := make(chan struct{})
	go func() {
		fn()
		close(doneCh)
	}()
	if ui.IsCI {
		select {
		case <-ctx.Done():
			return nil
		case <-doneCh:
			return nil
		case <-time.After(initialDelay):
			terminal.Output(msg)
		}
		select {
		case <-ctx.Done():
		case <-doneCh:
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-doneCh:
		return nil
	case <-time.After(initialDelay):
	}
	writer, useColor := unwrapUi(terminal, false)
	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionEnableColorCodes(useColor),
		progressbar.OptionSetDescription(fmt.Sprintf("[yellow]%v[reset]", msg)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(writer),
	)
	for {
		select {
		case <-doneCh:
			err := bar.Finish()
			terminal.Output("")
			return err
		case <-time.After(tickInterval):
			if err := bar.Add(1); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
