package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	cyan    = "\033[36m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	magenta = "\033[35m"
	dim     = "\033[2m"
)

// Logo lines — base broker ASCII art.
var logoLines = [5]string{
	`  ___                _             `,
	` | _ )_ _ ___ _ _ __| |_____ _ _   `,
	` | _ \ '_/ _ \ '_/ _| / / -_) '_|  `,
	` |___/_| \___/_| \__|_\_\___|_|    `,
	`                                    `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var masterArt = [5]string{
	`  __  __         _           `,
	` |  \/  |__ _ __| |_ ___ _ _ `,
	` | |\/| / _` + "`" + ` (_-<  _/ -_) '_|`,
	` |_|  |_\__,_/__/\__\___|_|  `,
	`                              `,
}

var casArt = [5]string{
	`  ___   _   ___ `,
	` / __| /_\ / __|`,
	` | (__ / _ \\__ \`,
	`  \___/_/ \_\___/`,
	`                 `,
}

var adminArt = [5]string{
	`    _      _       _      `,
	`   /_\  __| |_ __ (_)_ _  `,
	`  / _ \/ _` + "`" + ` | '  \| | ' \ `,
	` /_/ \_\__,_|_|_|_|_|_||_|`,
	`                           `,
}

// PrintBanner prints the broker ASCII art logo with mode-specific art
// appended to the right. Below the art it prints version and listen
// address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[5]string
	var modeColor string
	switch mode {
	case "master":
		modeArt = &masterArt
		modeColor = green
	case "cas":
		modeArt = &casArt
		modeColor = yellow
	default: // admin
		modeArt = &adminArt
		modeColor = magenta
	}

	for i := 0; i < 5; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
