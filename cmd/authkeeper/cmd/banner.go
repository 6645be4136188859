package cmd

import (
	"fmt"
	"io"
)

// Version is set at build time.
var Version = "dev"

const banner = `
             _   _     _
  __ _ _   _| |_| |__ | | _____  ___ _ __   ___ _ __
 / _` + "`" + ` | | | | __| '_ \| |/ / _ \/ _ \ '_ \ / _ \ '__|
| (_| | |_| | |_| | | |   <  __/  __/ |_) |  __/ |
 \__,_|\__,_|\__|_| |_|_|\_\___|\___| .__/ \___|_|
                                    |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Development identity provider - Version %s\x1b[0m\n\n", Version)
}
