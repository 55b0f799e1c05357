package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const resetANSI = "\x1b[0m"

var ansiColorReplacer = strings.NewReplacer(
	"[red]", "\x1b[31m",
	"[green]", "\x1b[32m",
	"[yellow]", "\x1b[33m",
	"[blue]", "\x1b[34m",
	"[bold]", "\x1b[1m",
	"[dim]", "\x1b[2m",
	"[-]", resetANSI,
)

var ansiStripReplacer = strings.NewReplacer(
	"[red]", "",
	"[green]", "",
	"[yellow]", "",
	"[blue]", "",
	"[bold]", "",
	"[dim]", "",
	"[-]", "",
)

// console prints markup lines, colored only when the target is a terminal.
type console struct {
	w     io.Writer
	color bool
}

func newConsole(f *os.File) *console {
	return &console{w: f, color: term.IsTerminal(int(f.Fd()))}
}

func (c *console) render(line string) string {
	if c.color {
		return ansiColorReplacer.Replace(line)
	}
	return ansiStripReplacer.Replace(line)
}

func (c *console) Println(line string) {
	fmt.Fprintln(c.w, c.render(line))
}
