package ui

import (
	"os"

	"github.com/fatih/color"
)

// ColorMode is an enum for the terminal color behavior requested by the user
type ColorMode int

const (
	// ColorModeUndefined lets the color library detect support on its own
	ColorModeUndefined ColorMode = iota + 1
	// ColorModeSuppressed disables colored output
	ColorModeSuppressed
	// ColorModeForced enables colored output even without a tty
	ColorModeForced
)

// GetColorModeFromEnv reads FORCE_COLOR. "0" and "false" suppress color;
// "1", "2", "3" and "true" force it at increasing (ignored) support levels.
func GetColorModeFromEnv() ColorMode {
	switch forceColor := os.Getenv("FORCE_COLOR"); {
	case forceColor == "false" || forceColor == "0":
		return ColorModeSuppressed
	case forceColor == "true" || forceColor == "1" || forceColor == "2" || forceColor == "3":
		return ColorModeForced
	default:
		return ColorModeUndefined
	}
}

func applyColorMode(colorMode ColorMode) ColorMode {
	switch colorMode {
	case ColorModeForced:
		color.NoColor = false
	case ColorModeSuppressed:
		color.NoColor = true
	case ColorModeUndefined:
	default:
		// color.NoColor already has its default from isatty and NO_COLOR.
	}

	if color.NoColor {
		return ColorModeSuppressed
	}
	return ColorModeForced
}
