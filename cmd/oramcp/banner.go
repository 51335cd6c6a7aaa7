package main

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// isTTY returns true if the given file descriptor is a terminal.
func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// printBanner prints the oramcp ASCII art banner. When useColor is true,
// ANSI escape codes are used for a red/magenta gradient.
func printBanner(w io.Writer, useColor bool) {
	// ASCII art lines for "oramcp"
	lines := []string{
		`                                          `,
		`   ___  _ __ __ _ _ __ ___   ___ _ __     `,
		`  / _ \| '__/ _' | '_ ' _ \ / __| '_ \    `,
		` | (_) | | | (_| | | | | | | (__| |_) |   `,
		`  \___/|_|  \__,_|_| |_| |_|\___| .__/    `,
		`                                |_|       `,
		`                                          `,
	}

	if useColor {
		// red to magenta gradient
		colors := []string{
			"\033[1;31m",
			"\033[1;31m",
			"\033[1;91m",
			"\033[1;35m",
			"\033[1;95m",
			"\033[1;95m",
			"\033[0m",
		}
		for i, line := range lines {
			color := colors[i%len(colors)]
			fmt.Fprintf(w, "%s%s\033[0m\n", color, line)
		}
	} else {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}
}
