// escrowctl - act on an escrow as one of its parties
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/escrowsync/internal/config"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/recordstore"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/view"
)

func main() {
	root := flag.NewFlagSet("escrowctl", flag.ExitOnError)
	logLevel := root.String("log-level", "warn", "log level (debug, info, warn, error)")
	root.Usage = func() { fmt.Fprintln(os.Stderr, usage()) }
	_ = root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "ESCROWSYNC_TOKEN is required")
		os.Exit(1)
	}

	logger := logging.NewWriter(os.Stderr, *logLevel, "text")
	gate := session.NewTokenGate(cfg.Token)
	client := recordstore.New(cfg.APIURL, gate, recordstore.WithLogger(logger))
	c := &cli{
		client: client,
		newView: func(live bool) *view.EscrowView {
			var subs view.Subscriber
			if live {
				subs = view.NewSubscriber(cfg.WSURL, gate, logger)
			}
			return view.NewEscrowView(client, subs, view.Options{
				PollInterval:          cfg.PollInterval,
				RequiredConfirmations: escrow.RequiredConfirmations,
				Logger:                logger,
			})
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := c.run(ctx, args, os.Stdout, os.Stderr)
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

func usage() string {
	return `usage: escrowctl [-log-level LEVEL] <command> [args]

commands:
  list                            list your escrows
  show <id>                       show an escrow
  watch <id>                      follow an escrow until interrupted
  action <id> release|cancel|clear
                                  select or clear your choice
  confirm <id> release|cancel     confirm the agreed action
  send <id> <text>                send a chat message
  check <id>                      check the crypto deposit
  request-price <id>              ask the buyer for a new price (seller)
  propose <id> <amount>           propose a new price (buyer)
  paypal <id> <return-url>        start a PayPal payment
  paypal-return <id> <query>      complete a PayPal payment from the return URL

environment:
  ESCROWSYNC_API_URL (required), ESCROWSYNC_WS_URL, ESCROWSYNC_TOKEN (required),
  ESCROWSYNC_POLL_INTERVAL`
}

// writef writes to a CLI stream; terminal write errors are not actionable.
func writef(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
