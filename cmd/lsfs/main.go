// Command lsfs.xtfs lists the volumes of an xtfs MRC.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/xtfs/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	cancel()
	os.Exit(code)
}
