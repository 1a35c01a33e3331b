package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// JoinTarget is what a guest needs to reach a session.
type JoinTarget struct {
	BrokerURL string
	Code      string

	// Fingerprint pins a self-signed broker certificate. Optional.
	Fingerprint string
}

// JoinLink builds the link a guest can open to join a session.
// Format: livesync://join?broker=<url>&code=<code>[&fp=<fingerprint>]
func JoinLink(t JoinTarget) string {
	q := url.Values{}
	q.Set("broker", t.BrokerURL)
	q.Set("code", t.Code)
	if t.Fingerprint != "" {
		q.Set("fp", t.Fingerprint)
	}
	return "livesync://join?" + q.Encode()
}

// ParseJoinLink extracts the join target from a join link.
func ParseJoinLink(link string) (JoinTarget, error) {
	u, err := url.Parse(link)
	if err != nil {
		return JoinTarget{}, fmt.Errorf("invalid join link: %w", err)
	}
	if u.Scheme != "livesync" || u.Host != "join" {
		return JoinTarget{}, fmt.Errorf("invalid join link %q", link)
	}
	q := u.Query()
	t := JoinTarget{
		BrokerURL:   q.Get("broker"),
		Code:        q.Get("code"),
		Fingerprint: q.Get("fp"),
	}
	if t.Code == "" {
		return JoinTarget{}, fmt.Errorf("join link %q has no code", link)
	}
	return t, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// DisplayJoinCode prints the session code guests type into `livesync join`.
func DisplayJoinCode(w io.Writer, t JoinTarget) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "         SESSION CODE: %s\n", t.Code)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Broker: %s\n", t.BrokerURL)
	if t.Fingerprint != "" {
		fmt.Fprintf(w, "  Join:   livesync join --broker %s --fingerprint %s %s\n", t.BrokerURL, t.Fingerprint, t.Code)
	} else {
		fmt.Fprintf(w, "  Join:   livesync join --broker %s %s\n", t.BrokerURL, t.Code)
	}
	fmt.Fprintf(w, "  Link:   %s\n", JoinLink(t))
	fmt.Fprintln(w, "")
}

// DisplayJoinQRCode shows the join link as a QR code, with the plain-text
// code as fallback. Output that is not a terminal gets the text only.
func DisplayJoinQRCode(w io.Writer, t JoinTarget) {
	if !isTerminal(w) {
		DisplayJoinCode(w, t)
		return
	}

	// Medium error correction keeps the code small enough for a terminal.
	qr, err := qrcode.New(JoinLink(t), qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n\n")
		DisplayJoinCode(w, t)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO JOIN")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	DisplayJoinCode(w, t)
}
