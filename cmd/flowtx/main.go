// Command flowtx runs YAML plan files inside a database transaction and
// inspects their run history.
//
//	flowtx run [-actor name] <plan.yaml> [key=value...]
//	flowtx runs [-status STATUS] [workflow]
//	flowtx events <run-id>
//	flowtx version
package main

import (
	"context"
	"os"
	"os/signal"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
