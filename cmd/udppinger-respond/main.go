// Command udppinger-respond is a reference implementation of the reply
// contract the prober interoperates with but does not itself implement. It
// exists to make the loopback round-trip scenarios runnable end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/terragraph/udppinger/pkg/pinger"
)

func main() {
	var (
		listen  string
		verbose bool
	)

	pflag.StringVarP(&listen, "listen", "l", "[::]:31338", "address to bind the responder to")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			return a
		},
	}))

	responder, err := pinger.NewResponder(log, listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start responder: %v\n", err)
		os.Exit(1)
	}
	defer responder.Close()

	log.Info("responder listening", "addr", responder.LocalAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := responder.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "responder exited: %v\n", err)
		os.Exit(1)
	}
}
