package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/scrolluniversity/scrollrealtime/realtime"
)

const RealtimeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}

// flags take precedence over the environment
type realtimeEnv struct {
	Url    string `env:"REALTIME_URL" envDefault:"ws://localhost:4000/realtime/v1/websocket"`
	Token  string `env:"REALTIME_TOKEN"`
	ApiKey string `env:"REALTIME_API_KEY"`
}

var (
	eventColor   = color.New(color.FgCyan).SprintFunc()
	onlineColor  = color.New(color.FgGreen).SprintFunc()
	offlineColor = color.New(color.FgRed).SprintFunc()
	dimColor     = color.New(color.Faint).SprintFunc()
)

func main() {
	usage := `Real-time control.

The endpoint and token are read from REALTIME_URL, REALTIME_TOKEN and REALTIME_API_KEY
when not given as options. A missing token is prompted for.

Usage:
    realtimectl token-info [--token=<token>]
    realtimectl notifications [--url=<url>] [--token=<token>]
        --user_id=<user_id>
        [--count=<count>]
    realtimectl presence [--url=<url>] [--token=<token>]
        --room=<room>
        --user_id=<user_id>
    realtimectl typing [--url=<url>] [--token=<token>]
        --room=<room>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Real-time websocket url.
    --token=<token>        Session JWT.
    --user_id=<user_id>
    --room=<room>
    --count=<count>        Print this many notifications then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	realtimeEnv := &realtimeEnv{}
	if err := env.Parse(realtimeEnv); err != nil {
		Err.Fatalf("parse env: %s", err)
	}

	if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts, realtimeEnv)
	} else if notifications_, _ := opts.Bool("notifications"); notifications_ {
		notifications(opts, realtimeEnv)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presence(opts, realtimeEnv)
	} else if typing_, _ := opts.Bool("typing"); typing_ {
		typing(opts, realtimeEnv)
	}
}

func tokenInfo(opts docopt.Opts, realtimeEnv *realtimeEnv) {
	authToken := authTokenFromOpts(opts, realtimeEnv)

	authClaims, err := realtime.ParseAuthTokenUnverified(authToken)
	if err != nil {
		Err.Fatalf("Invalid token (%s).", err)
	}

	Out.Printf("subject: %s\n", authClaims.Subject)
	Out.Printf("role: %s\n", authClaims.Role)
	if authClaims.ExpiresAt.IsZero() {
		Out.Printf("expires: never\n")
	} else if authClaims.Expired(time.Now()) {
		Out.Printf("expires: %s (%s)\n", authClaims.ExpiresAt.Format(time.RFC3339), offlineColor("expired"))
	} else {
		Out.Printf("expires: %s (%s)\n", authClaims.ExpiresAt.Format(time.RFC3339), onlineColor("valid"))
	}
}

// print notifications as they are inserted
func notifications(opts docopt.Opts, realtimeEnv *realtimeEnv) {
	userId, _ := opts.String("--user_id")

	var count int
	if count_, err := opts.Int("--count"); err == nil {
		count = count_
	} else {
		count = -1
	}

	ctx, cancel := signalContext()
	defer cancel()

	session := connect(ctx, opts, realtimeEnv)
	defer session.Close()

	received := make(chan realtime.Row)
	session.NotificationDispatcher.AddNotificationCallback(func(notification realtime.Row) {
		select {
		case received <- notification:
		case <-ctx.Done():
		}
	})

	unwatch, err := session.NotificationDispatcher.Watch(ctx, userId)
	if err != nil {
		Err.Fatalf("Could not watch notifications (%s).", err)
	}
	defer unwatch()

	Out.Printf("%s\n", dimColor(fmt.Sprintf("watching notifications for %s", userId)))
	for i := 0; count < 0 || i < count; i += 1 {
		select {
		case <-ctx.Done():
			return
		case notification := <-received:
			notificationJson, _ := json.Marshal(notification)
			Out.Printf(
				"%s %s (unread %d)\n",
				eventColor("notification"),
				string(notificationJson),
				session.NotificationDispatcher.UnreadCount(),
			)
		}
	}
}

// track this user in a room and print the room as it changes
func presence(opts docopt.Opts, realtimeEnv *realtimeEnv) {
	roomId, _ := opts.String("--room")
	userId, _ := opts.String("--user_id")

	ctx, cancel := signalContext()
	defer cancel()

	session := connect(ctx, opts, realtimeEnv)
	defer session.Close()

	session.PresenceTracker.AddPresenceChangeCallback(func(changedRoomId string, members []realtime.PresenceEntry) {
		if changedRoomId != roomId {
			return
		}
		memberStrs := []string{}
		for _, member := range members {
			memberStrs = append(memberStrs, fmt.Sprintf("%s(%s)", member.UserId, onlineColor(member.Status)))
		}
		Out.Printf("%s %s: %s\n", eventColor("presence"), roomId, strings.Join(memberStrs, " "))
	})

	unwatch, err := session.PresenceTracker.WatchRoom(ctx, roomId)
	if err != nil {
		Err.Fatalf("Could not watch presence (%s).", err)
	}
	defer unwatch()

	if err := session.PresenceTracker.Track(ctx, roomId, userId, map[string]any{
		"client": fmt.Sprintf("realtimectl %s", RealtimeCtlVersion),
	}); err != nil {
		Err.Fatalf("Could not track (%s).", err)
	}

	<-ctx.Done()
}

// print who is typing in a room
func typing(opts docopt.Opts, realtimeEnv *realtimeEnv) {
	roomId, _ := opts.String("--room")

	ctx, cancel := signalContext()
	defer cancel()

	session := connect(ctx, opts, realtimeEnv)
	defer session.Close()

	session.TypingTracker.AddTypingChangeCallback(func(changedRoomId string, entries []realtime.TypingEntry) {
		if changedRoomId != roomId {
			return
		}
		if len(entries) == 0 {
			Out.Printf("%s %s: %s\n", eventColor("typing"), roomId, dimColor("nobody"))
			return
		}
		names := []string{}
		for _, entry := range entries {
			if entry.UserName != "" {
				names = append(names, entry.UserName)
			} else {
				names = append(names, entry.UserId)
			}
		}
		Out.Printf("%s %s: %s\n", eventColor("typing"), roomId, strings.Join(names, ", "))
	})

	unwatch, err := session.TypingTracker.WatchRoom(ctx, roomId)
	if err != nil {
		Err.Fatalf("Could not watch typing (%s).", err)
	}
	defer unwatch()

	<-ctx.Done()
}

func connect(ctx context.Context, opts docopt.Opts, realtimeEnv *realtimeEnv) *realtime.Session {
	endpointUrl := realtimeEnv.Url
	if url, err := opts.String("--url"); err == nil && url != "" {
		endpointUrl = url
	}
	authToken := authTokenFromOpts(opts, realtimeEnv)

	settings := realtime.DefaultSessionSettings()
	settings.ConnectionManagerSettings.ApiKey = realtimeEnv.ApiKey
	session := realtime.NewSession(ctx, endpointUrl, settings)

	session.ConnectionManager.AddStateCallback(func(state realtime.ConnectionState, err error) {
		switch state {
		case realtime.ConnectionStateConnected:
			Out.Printf("%s\n", onlineColor(string(state)))
		case realtime.ConnectionStateReconnecting, realtime.ConnectionStateDisconnected:
			if err != nil {
				Out.Printf("%s (%s)\n", offlineColor(string(state)), err)
			} else {
				Out.Printf("%s\n", offlineColor(string(state)))
			}
		}
	})

	if err := session.Connect(ctx, authToken); err != nil {
		session.Close()
		Err.Fatalf("Could not connect (%s).", err)
	}
	return session
}

func authTokenFromOpts(opts docopt.Opts, realtimeEnv *realtimeEnv) string {
	if authToken, err := opts.String("--token"); err == nil && authToken != "" {
		return authToken
	}
	if realtimeEnv.Token != "" {
		return realtimeEnv.Token
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		Err.Fatalf("No token. Set --token or REALTIME_TOKEN.")
	}

	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(tokenBytes))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
