package main

import (
	"fmt"
	"os"

	"github.com/nestalert/edgecache/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
