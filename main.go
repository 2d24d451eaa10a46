// The main package for the vendordisc executable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// Embedded zoneinfo so the reference timezone resolves in minimal images.
	_ "time/tzdata"

	"github.com/JakeFAU/vendor-discovery/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
