// Package cmdutil carries the shared startup state the kapten commands
// hang off of: resolved configuration, the terminal UI and the process
// manager.
package cmdutil

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/mitchellh/cli"

	"github.com/kaptenlabs/kapten/internal/config"
	"github.com/kaptenlabs/kapten/internal/process"
	"github.com/kaptenlabs/kapten/internal/ui"
)

// Helper is handed to every command once the root flags are resolved.
type Helper struct {
	Config    *config.Config
	UI        cli.Ui
	Processes *process.Manager
}

// LogWarning logs a warning and echoes it to the terminal.
func (h *Helper) LogWarning(prefix string, err error) {
	h.Config.Logger.Warn(prefix, "error", err)

	if prefix != "" {
		prefix += ": "
	}

	h.UI.Error(fmt.Sprintf("%s%s%s", ui.WARNING_PREFIX, prefix, color.YellowString(" %v", err)))
}

// LogError logs an error and echoes it to the terminal.
func (h *Helper) LogError(prefix string, err error) {
	h.Config.Logger.Error(prefix, "error", err)

	if prefix != "" {
		prefix += ": "
	}

	h.UI.Error(fmt.Sprintf("%s%s%s", ui.ERROR_PREFIX, prefix, color.RedString(" %v", err)))
}
