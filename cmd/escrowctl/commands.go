package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/recordstore"
	"github.com/mbd888/escrowsync/internal/view"
	"github.com/mbd888/escrowsync/internal/watcher"
)

type lister interface {
	ListEscrows(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

type cli struct {
	client lister
	// newView builds an escrow view; live views subscribe to realtime.
	newView func(live bool) *view.EscrowView
}

func (c *cli) run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "list":
		return c.runList(ctx, stdout, stderr)
	case "show":
		if !need(args, 2, "show <id>", stderr) {
			return 1
		}
		return c.withView(ctx, args[1], stdout, stderr, view.ControlLoad, nil)
	case "watch":
		if !need(args, 2, "watch <id>", stderr) {
			return 1
		}
		return c.runWatch(ctx, args[1], stdout, stderr)
	case "action":
		return c.runAction(ctx, args, stdout, stderr)
	case "confirm":
		return c.runConfirm(ctx, args, stdout, stderr)
	case "send":
		if !need(args, 3, "send <id> <text>", stderr) {
			return 1
		}
		text := strings.Join(args[2:], " ")
		return c.withView(ctx, args[1], stdout, stderr, view.ControlSend, func(v *view.EscrowView) error {
			return v.Send(ctx, text)
		})
	case "check":
		if !need(args, 2, "check <id>", stderr) {
			return 1
		}
		return c.runCheck(ctx, args[1], stdout, stderr)
	case "request-price":
		if !need(args, 2, "request-price <id>", stderr) {
			return 1
		}
		return c.withView(ctx, args[1], stdout, stderr, view.ControlPrice, func(v *view.EscrowView) error {
			return v.RequestPriceChange(ctx)
		})
	case "propose":
		if !need(args, 3, "propose <id> <amount>", stderr) {
			return 1
		}
		return c.withView(ctx, args[1], stdout, stderr, view.ControlPrice, func(v *view.EscrowView) error {
			return v.ProposePrice(ctx, args[2])
		})
	case "paypal":
		if !need(args, 3, "paypal <id> <return-url>", stderr) {
			return 1
		}
		return c.runPayPal(ctx, args[1], args[2], stdout, stderr)
	case "paypal-return":
		if !need(args, 3, "paypal-return <id> <query>", stderr) {
			return 1
		}
		return c.withView(ctx, args[1], stdout, stderr, view.ControlPayPal, func(v *view.EscrowView) error {
			err := v.HandlePayPalRedirect(ctx, args[2])
			if errors.Is(err, watcher.ErrNotRedirect) {
				return errors.New("not a PayPal return URL: missing paypal=success|cancel")
			}
			return err
		})
	default:
		writef(stderr, "unknown command: %s\n%s\n", args[0], usage())
		return 1
	}
}

func need(args []string, n int, line string, stderr io.Writer) bool {
	if len(args) < n {
		writef(stderr, "usage: escrowctl %s\n", line)
		return false
	}
	return true
}

// withView opens id, runs op against the view and prints the result.
func (c *cli) withView(ctx context.Context, id string, stdout, stderr io.Writer, ctl view.Control, op func(*view.EscrowView) error) int {
	v := c.newView(false)
	defer v.Close()

	if err := v.Open(ctx, id); err != nil {
		writef(stderr, "%s\n", failureText(v.Snapshot(), view.ControlLoad, err))
		return 1
	}
	if op != nil {
		if err := op(v); err != nil {
			writef(stderr, "%s\n", failureText(v.Snapshot(), ctl, err))
			return 1
		}
	}
	render(stdout, v.Snapshot())
	return 0
}

func (c *cli) runList(ctx context.Context, stdout, stderr io.Writer) int {
	list, err := c.client.ListEscrows(ctx, 50)
	if err != nil {
		writef(stderr, "%s\n", recordstore.UserMessage(err, "Failed to list escrows"))
		return 1
	}
	if len(list) == 0 {
		writef(stdout, "no escrows\n")
		return 0
	}
	for _, e := range list {
		writef(stdout, "%-24s %-10s %s %s (%s)\n", e.ID, e.Status, e.Amount, e.Currency, e.PaymentMethod)
	}
	return 0
}

func (c *cli) runAction(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !need(args, 3, "action <id> release|cancel|clear", stderr) {
		return 1
	}
	choice := args[2]
	return c.withView(ctx, args[1], stdout, stderr, view.ControlAction, func(v *view.EscrowView) error {
		if choice == "clear" {
			return v.ClearAction(ctx)
		}
		a := escrow.Action(choice)
		if !a.Valid() {
			return escrow.ErrInvalidAction
		}
		return v.SelectAction(ctx, a)
	})
}

func (c *cli) runConfirm(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if !need(args, 3, "confirm <id> release|cancel", stderr) {
		return 1
	}
	a := escrow.Action(args[2])
	return c.withView(ctx, args[1], stdout, stderr, view.ControlConfirm, func(v *view.EscrowView) error {
		return v.Confirm(ctx, a)
	})
}

func (c *cli) runCheck(ctx context.Context, id string, stdout, stderr io.Writer) int {
	return c.withView(ctx, id, stdout, stderr, view.ControlCheck, func(v *view.EscrowView) error {
		check, err := v.CheckPayment(ctx)
		if err != nil {
			return err
		}
		writef(stdout, "deposit: %d/%d confirmations, %s\n", check.Confirmations, escrow.RequiredConfirmations, check.Status)
		return nil
	})
}

func (c *cli) runPayPal(ctx context.Context, id, returnURL string, stdout, stderr io.Writer) int {
	v := c.newView(false)
	defer v.Close()

	if err := v.Open(ctx, id); err != nil {
		writef(stderr, "%s\n", failureText(v.Snapshot(), view.ControlLoad, err))
		return 1
	}
	approval, err := v.BeginPayPal(ctx, returnURL)
	if err != nil {
		writef(stderr, "%s\n", failureText(v.Snapshot(), view.ControlPayPal, err))
		return 1
	}
	writef(stdout, "approve the payment at:\n%s\n", approval)
	return 0
}

// runWatch follows id with realtime and polling until ctx ends.
func (c *cli) runWatch(ctx context.Context, id string, stdout, stderr io.Writer) int {
	v := c.newView(true)
	defer v.Close()

	if err := v.Open(ctx, id); err != nil {
		writef(stderr, "%s\n", failureText(v.Snapshot(), view.ControlLoad, err))
		return 1
	}
	render(stdout, v.Snapshot())

	w := newWatchPrinter(stdout, v.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-v.Changes():
			w.print(time.Now(), v.Snapshot())
		}
	}
}

// failureText renders err the way the view reports it inline.
func failureText(snap view.Snapshot, ctl view.Control, err error) string {
	switch {
	case snap.SignIn:
		return "not signed in: set ESCROWSYNC_TOKEN to a valid session token"
	case snap.Fatal != "":
		return snap.Fatal
	case snap.Errors[ctl] != "":
		return snap.Errors[ctl]
	}
	return err.Error()
}
