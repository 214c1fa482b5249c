// Callcore — CLI entry point.
//
// Runs one call client against a signaling relay. Launched without -call it
// shows an interactive menu (place a call, accept, reject, hang up, mute);
// with -call it dials the given user and exits when the call ends.
//
// Configuration comes from -config (YAML), a .env file and CALLCORE_*
// variables; -user and -relay override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/callcore/internal/app"
	"github.com/1ureka/callcore/internal/bus"
	"github.com/1ureka/callcore/internal/call"
	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/session"
	"github.com/1ureka/callcore/internal/util"
)

var version = "dev"

const (
	actionCall   = "Call someone"
	actionAccept = "Accept incoming call"
	actionReject = "Reject incoming call"
	actionHangup = "Hang up"
	actionMute   = "Toggle mute"
	actionStatus = "Show status"
	actionQuit   = "Quit"
)

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML configuration file")
	userFlag := flag.String("user", "", "Local user id (overrides config)")
	relayFlag := flag.String("relay", "", "Relay WebSocket URL (overrides config)")
	callFlag := flag.String("call", "", "Call this user and exit when the call ends")
	videoFlag := flag.Bool("video", false, "Place a video call instead of audio")
	autoAccept := flag.Bool("autoAccept", false, "Accept every incoming call")
	silence := flag.Bool("silence", true, "Send Opus silence on the audio track during calls")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *debugMode {
		cfg.Debug = true
	}

	pterm.Info.Println(fmt.Sprintf("callcore — v%s", version))
	pterm.Println()

	if cfg.UserID == "" {
		cfg.UserID = askText("Your user id")
	}

	a, err := app.New(cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer a.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	util.StartStatsReporter(ctx)
	if *silence {
		go a.Media().SendSilence(ctx)
	}

	kind := call.MediaAudio
	if *videoFlag {
		kind = call.MediaVideo
	}

	ended := watchEvents(ctx, a, *autoAccept)

	if *callFlag != "" {
		if err := a.Manager().PlaceCall(*callFlag, kind); err != nil {
			util.LogError("cannot call %s: %v", *callFlag, err)
			os.Exit(1)
		}
		select {
		case <-ended:
		case <-ctx.Done():
		case err := <-runErr:
			exitOnRunError(err)
		}
	} else {
		runInteractive(ctx, a, kind, runErr)
	}

	util.LogInfo("bye")
}

// runInteractive shows the action menu until the user quits or ctx ends.
func runInteractive(ctx context.Context, a *app.App, kind call.MediaKind, runErr <-chan error) {
	muted := false
	for ctx.Err() == nil {
		select {
		case err := <-runErr:
			exitOnRunError(err)
			return
		default:
		}

		action, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{actionCall, actionAccept, actionReject, actionHangup, actionMute, actionStatus, actionQuit}).
			WithDefaultText(fmt.Sprintf("[%s] choose an action", a.Manager().Status())).
			Show()
		pterm.Println()

		m := a.Manager()
		switch action {
		case actionCall:
			remote := askText("User id to call")
			if err := m.PlaceCall(remote, kind); err != nil {
				util.LogWarning("cannot call %s: %v", remote, err)
			}
		case actionAccept:
			m.Accept()
		case actionReject:
			m.Reject()
		case actionHangup:
			m.Hangup()
		case actionMute:
			muted = !muted
			m.SetMuted(muted, muted)
			util.LogInfo("muted: %v", muted)
		case actionStatus:
			printStatus(a)
		case actionQuit:
			return
		}
	}
}

// watchEvents prints bus events. The returned channel receives a value every
// time a call returns to Idle.
func watchEvents(ctx context.Context, a *app.App, autoAccept bool) <-chan struct{} {
	b := a.Bus()
	statuses, _ := bus.Subscribe(b, session.TopicStatus, bus.DefaultBuffer)
	incoming, _ := bus.Subscribe(b, session.TopicIncomingCall, bus.DefaultBuffer)
	cleared, _ := bus.Subscribe(b, session.TopicIncomingCleared, bus.DefaultBuffer)
	errs, _ := bus.Subscribe(b, session.TopicError, bus.DefaultBuffer)
	tracks, _ := bus.Subscribe(b, session.TopicRemoteTrack, bus.DefaultBuffer)

	ended := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-statuses:
				if !ok {
					return
				}
				util.LogInfo("call %s: %s → %s", ev.RemoteID, ev.Previous, ev.Status)
				if ev.Status == call.StatusIdle && ev.Previous.Terminal() {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			case offer, ok := <-incoming:
				if !ok {
					return
				}
				name := offer.SenderName
				if name == "" {
					name = offer.SenderID
				}
				pterm.Println()
				util.LogSuccess("incoming %s call from %s", offer.MediaKind, name)
				if autoAccept {
					go a.Manager().Accept()
				}
			case c, ok := <-cleared:
				if !ok {
					return
				}
				util.LogInfo("incoming call from %s %s", c.SenderID, c.Reason)
			case e, ok := <-errs:
				if !ok {
					return
				}
				util.LogWarning("call error: %v", e.Err)
			case t, ok := <-tracks:
				if !ok {
					return
				}
				util.LogInfo("receiving %s from the remote side", t.Track.Kind)
			case <-ctx.Done():
				return
			}
		}
	}()
	return ended
}

func printStatus(a *app.App) {
	relay := "disconnected"
	if a.Connected() {
		relay = "connected"
	}
	s, ok := a.Manager().Session()
	if !ok {
		util.LogInfo("relay %s, no call", relay)
		return
	}
	util.LogInfo("relay %s, %s call with %s (%s, %s)", relay, s.Role, s.RemoteUserID, s.MediaKind, s.Status)
}

func exitOnRunError(err error) {
	if err != nil {
		util.LogError("relay connection stopped: %v", err)
		os.Exit(1)
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()

		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("a value is required")
	}
}
