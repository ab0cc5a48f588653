package main

import (
	"fmt"
	"io"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/view"
)

func render(w io.Writer, snap view.Snapshot) {
	e := snap.Escrow
	if e == nil {
		writef(w, "escrow %s not loaded\n", snap.EscrowID)
		return
	}
	writef(w, "escrow   %s\n", e.ID)
	if snap.Role != escrow.PartyNone {
		writef(w, "role     %s\n", snap.Role)
	}
	writef(w, "amount   %s %s (%s)\n", e.Amount, e.Currency, e.PaymentMethod)
	writef(w, "status   %s\n", e.Status)
	if e.PaymentMethod == escrow.MethodCrypto && e.Status == escrow.StatusPending {
		writef(w, "deposit  %d/%d confirmations", e.ConfirmationCount(), escrow.RequiredConfirmations)
		if e.HasDepositAddress() {
			writef(w, " to %s", *e.DepositAddress)
		}
		writef(w, "\n")
	}
	if e.Status == escrow.StatusFunded {
		writef(w, "you      %s\n", actionText(snap.MyAction))
		writef(w, "other    %s\n", actionText(snap.OtherAction))
		if snap.Summary != "" {
			writef(w, "         %s\n", snap.Summary)
		}
	}
	for _, n := range snap.Notices {
		writef(w, "notice   %s\n", n)
	}
	for _, p := range snap.Prompts {
		writef(w, "prompt   %s\n", p.Text)
	}
	if snap.Draft != "" {
		writef(w, "draft    %s\n", snap.Draft)
	}
	for _, m := range snap.Messages {
		writef(w, "%s\n", messageLine(snap, m))
	}
}

func actionText(a *escrow.Action) string {
	if a == nil {
		return "-"
	}
	return string(*a)
}

func messageLine(snap view.Snapshot, m *messages.Message) string {
	who := "them"
	switch {
	case m.Type == messages.TypeSystem:
		who = "system"
	case m.SenderID == snap.Viewer:
		who = "you"
	}
	return fmt.Sprintf("  %s %-6s %s", m.CreatedAt.Local().Format("01-02 15:04"), who, m.Body)
}

// watchPrinter prints what changed between successive snapshots.
type watchPrinter struct {
	w        io.Writer
	status   string
	seen     map[string]bool
	notices  int
	prompts  int
	realtime string
}

func newWatchPrinter(w io.Writer, snap view.Snapshot) *watchPrinter {
	p := &watchPrinter{w: w, seen: make(map[string]bool)}
	p.status = statusLine(snap)
	for _, m := range snap.Messages {
		p.seen[m.ID] = true
		if m.Nonce() != "" {
			p.seen[m.Nonce()] = true
		}
	}
	p.notices = len(snap.Notices)
	p.prompts = len(snap.Prompts)
	return p
}

func (p *watchPrinter) print(now time.Time, snap view.Snapshot) {
	stamp := now.Format("15:04:05")
	if rt := string(snap.Realtime); rt != p.realtime && rt != "" {
		writef(p.w, "%s realtime %s\n", stamp, rt)
		p.realtime = rt
	}
	if line := statusLine(snap); line != p.status {
		writef(p.w, "%s %s\n", stamp, line)
		p.status = line
	}
	for _, m := range snap.Messages {
		// Optimistic entries carry a temporary id until confirmed.
		if p.seen[m.ID] || p.seen[m.Nonce()] {
			continue
		}
		p.seen[m.ID] = true
		if m.Nonce() != "" {
			p.seen[m.Nonce()] = true
		}
		writef(p.w, "%s%s\n", stamp, messageLine(snap, m))
	}
	if len(snap.Notices) < p.notices {
		p.notices = 0
	}
	for _, n := range snap.Notices[p.notices:] {
		writef(p.w, "%s notice %s\n", stamp, n)
	}
	p.notices = len(snap.Notices)
	if len(snap.Prompts) < p.prompts {
		p.prompts = 0
	}
	for _, pr := range snap.Prompts[p.prompts:] {
		writef(p.w, "%s prompt %s\n", stamp, pr.Text)
	}
	p.prompts = len(snap.Prompts)
}

func statusLine(snap view.Snapshot) string {
	e := snap.Escrow
	if e == nil {
		return "not loaded"
	}
	line := fmt.Sprintf("status=%s amount=%s", e.Status, e.Amount)
	if e.PaymentMethod == escrow.MethodCrypto && e.Status == escrow.StatusPending {
		line += fmt.Sprintf(" confirmations=%d/%d", e.ConfirmationCount(), escrow.RequiredConfirmations)
	}
	if e.Status == escrow.StatusFunded {
		line += fmt.Sprintf(" you=%s other=%s", actionText(snap.MyAction), actionText(snap.OtherAction))
	}
	return line
}
