package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/pseudocoder/livesync/internal/config"
	"github.com/pseudocoder/livesync/internal/editor"
	"github.com/pseudocoder/livesync/internal/participants"
	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/session"
)

// HostOptions holds the options of `livesync host`.
type HostOptions struct {
	EndpointOptions
	GrantRequests bool
	QR            bool
}

func runHost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &HostOptions{}
	opts.register(fs)
	fs.BoolVar(&opts.AllowGuestEdit, "allow-edit", true, "Let guests edit shared documents")
	fs.BoolVar(&opts.GrantRequests, "grant-requests", false, "Grant every guest permission request, beyond the session policy")
	fs.BoolVar(&opts.QR, "qr", false, "Display the join link as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: livesync host [options] [dir]\n\nShares dir (default: current directory) as a new session.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintf(stderr, "Error: unexpected argument %q\n", fs.Arg(1))
		return 1
	}
	root := "."
	if fs.NArg() == 1 {
		root = fs.Arg(0)
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	ec, err := opts.resolve(explicitFlags)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if opts.LogFile != "" {
		restore, err := redirectLog(opts.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer restore()
	}

	ws, err := editor.NewWorkspace(editor.WorkspaceConfig{Root: root})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer ws.Close()

	scfg := endpointConfig(ec, ws, stdout)
	if opts.GrantRequests {
		scfg.Decider = func(p participants.Participant, perm protocol.Permission) bool {
			return true
		}
	}
	watch := watchSession(&scfg, ws)

	ep := session.New(scfg)
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	sessionID, err := ep.Start(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to start session: %s\n", describeConnectError(err))
		return 1
	}
	ws.Watch(config.Millis(ec.PollIntervalMs))

	fmt.Fprintf(stdout, "Sharing %s as %s\n", ws.Root(), ec.UserName)
	target := JoinTarget{BrokerURL: ec.BrokerURL, Code: sessionID, Fingerprint: ec.BrokerFingerprint}
	if opts.QR {
		DisplayJoinQRCode(stdout, target)
	} else {
		DisplayJoinCode(stdout, target)
	}
	if !*ec.AllowGuestEdit {
		fmt.Fprintln(stdout, "Guests join read-only.")
	}

	// A host cannot resume its session after losing the broker: guests
	// were already told it ended.
	return supervise(ep, watch, nil, stdout, stderr)
}
