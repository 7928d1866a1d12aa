// Copyright Thought Machine, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: Apache-2.0
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/kaptenlabs/kapten/internal/ui"
)

// InitPrintf drops the ANSI replacements when stdout is not a terminal.
// Must run before the first Sprintf.
func InitPrintf() {
	if !ui.IsTTY {
		replacements = map[string]string{}
	}
}

// Sprintf formats like fmt.Sprintf and then expands pseudo-shell variables
// such as ${BOLD} and ${RESET} into ANSI codes.
func Sprintf(format string, args ...interface{}) string {
	return os.Expand(fmt.Sprintf(format, args...), replace)
}

// Printf prints an expanded format string to stderr.
func Printf(format string, args ...interface{}) {
	fmt.Fprint(os.Stderr, os.Expand(fmt.Sprintf(format, args...), replace))
}

// Fprintf prints an expanded format string to the given writer.
func Fprintf(writer io.Writer, format string, args ...interface{}) {
	fmt.Fprint(writer, os.Expand(fmt.Sprintf(format, args...), replace))
}

func replace(s string) string {
	return replacements[s]
}

// The palette kapten's terminal output draws from.
var replacements = map[string]string{
	"BOLD":       "\x1b[1m",
	"BOLD_GREEN": "\x1b[32;1m",
	"BOLD_RED":   "\x1b[31;1m",
	"GREY":       "\x1b[2m",
	"RED":        "\x1b[31m",
	"GREEN":      "\x1b[32m",
	"YELLOW":     "\x1b[33m",
	"RESET":      "\x1b[0m",
}
