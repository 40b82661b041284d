package main

import (
	"os"

	"minerd/internal/ctl"
)

func main() { os.Exit(ctl.Main()) }
