// Command wsclient joins a session as a silent guest and prints every
// envelope the relay delivers. It is a debugging aid for the wire protocol.
// Usage: go run ./cmd/wsclient ws://127.0.0.1:7171 ABC-DEF
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pseudocoder/livesync/internal/protocol"
	"github.com/pseudocoder/livesync/internal/transport"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: wsclient <broker-url> <session-code>")
		os.Exit(1)
	}
	sessionID, err := protocol.ParseSessionID(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid session code: %v\n", err)
		os.Exit(1)
	}

	dialer := transport.Dialer{BaseURL: os.Args[1]}
	target, _ := dialer.SessionURL(sessionID)
	fmt.Printf("Connecting to %s...\n", target)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := dialer.Dial(ctx, sessionID)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := conn.Send(protocol.NewRoleIdentification(protocol.RoleGuest, "wsclient", "")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to identify: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Connected! Waiting for messages...")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	messageCount := 0
	for {
		select {
		case data, ok := <-conn.Messages():
			if !ok {
				fmt.Printf("Connection closed: %v\n", conn.Err())
				fmt.Printf("Total messages received: %d\n", messageCount)
				return
			}
			messageCount++
			fmt.Printf("[%d] %s\n", messageCount, describe(data))
		case <-interrupt:
			fmt.Println("Interrupted")
			fmt.Printf("Total messages received: %d\n", messageCount)
			return
		}
	}
}

// describe renders one envelope as its type plus the fields worth seeing.
func describe(data []byte) string {
	msg, err := protocol.Decode(data)
	if err != nil {
		typ, _ := protocol.Peek(data)
		return fmt.Sprintf("type=%s undecodable: %v raw=%s", typ, err, string(data))
	}
	switch m := msg.(type) {
	case *protocol.SessionJoined:
		return fmt.Sprintf("type=%s session=%s id=%s", m.Type, m.SessionID, m.ParticipantID)
	case *protocol.FileChange:
		return fmt.Sprintf("type=%s file=%s from=%s seq=%d changes=%d", m.Type, m.FilePath, m.OriginID, m.Sequence, len(m.Changes))
	case *protocol.FileContent:
		return fmt.Sprintf("type=%s file=%s lines=%d target=%s", m.Type, m.Data.Path, m.Data.LineCount, m.TargetID)
	case *protocol.CursorPosition:
		return fmt.Sprintf("type=%s file=%s by=%s at=%d:%d", m.Type, m.FilePath, m.ParticipantID, m.Position.Line, m.Position.Character)
	case *protocol.ParticipantJoined:
		return fmt.Sprintf("type=%s id=%s name=%s", m.Type, m.ParticipantID, m.UserName)
	case *protocol.KickGuest:
		return fmt.Sprintf("type=%s id=%s reason=%q", m.Type, m.ParticipantID, m.Reason)
	case *protocol.Error:
		return fmt.Sprintf("type=%s code=%s message=%q", m.Type, m.Code, m.Message)
	}
	typ, _ := protocol.Peek(data)
	return fmt.Sprintf("type=%s", typ)
}
