// main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	signalhub "github.com/petervdpas/signalhub"
	"github.com/petervdpas/signalhub/auth"
	"github.com/petervdpas/signalhub/transport"
	"github.com/petervdpas/signalhub/transport/redistr"
	"github.com/petervdpas/signalhub/transport/wstr"
	"github.com/petervdpas/signalhub/transport/wstr/hub"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("signalhub v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		runServe(args[1:])
	case "chat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: chat command requires a config file")
			fmt.Fprintln(os.Stderr, "Usage: signalhub chat <config.json> [channel]")
			os.Exit(1)
		}
		channel := "lobby"
		if len(args) > 2 {
			channel = args[2]
		}
		runChat(args[1], channel)
	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires a target path")
			fmt.Fprintln(os.Stderr, "Usage: signalhub init <config.json>")
			os.Exit(1)
		}
		runInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`signalhub - resilient realtime signaling client and hub

Usage:
  signalhub serve [-addr :8707] [-jwt-secret s]   Run the WebSocket hub
  signalhub init <config.json>                    Write a default client config
  signalhub chat <config.json> [channel]          Join a channel and chat
  signalhub -version                              Show version

The chat command reads the auth token from $SIGNALHUB_TOKEN.`)
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8707", "listen address")
	secret := fs.String("jwt-secret", "", "HS256 secret for token verification (empty accepts any token)")
	_ = fs.Parse(args)

	lg := newLogger()
	h := hub.New(hub.Options{JWTSecret: *secret}, lg)

	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		lg.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		_ = h.Close()
	}()

	lg.Info().Str("addr", *addr).Msg("hub listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal().Err(err).Msg("hub failed")
	}
}

func runInit(path string) {
	cfg := signalhub.Default()
	cfg.UserID = "change-me"
	if err := signalhub.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

func runChat(cfgPath, channelName string) {
	lg := newLogger()

	cfg, err := signalhub.Load(cfgPath)
	if err != nil {
		lg.Fatal().Err(err).Msg("load config")
	}

	var tc transport.Client
	switch cfg.Transport.Kind {
	case signalhub.TransportRedis:
		tc = redistr.New(redistr.Options{Addr: cfg.Transport.RedisAddr}, lg)
	case signalhub.TransportWS:
		tc = wstr.New(wstr.Options{URL: cfg.Transport.WSURL}, lg)
	}

	token := os.Getenv("SIGNALHUB_TOKEN")
	if token == "" {
		token = "dev-token"
	}

	sess, err := signalhub.New(cfg, tc, auth.NewStaticProvider(token), signalhub.WithLogger(lg))
	if err != nil {
		lg.Fatal().Err(err).Msg("build session")
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		lg.Fatal().Err(err).Msg("connect")
	}
	if err := sess.JoinChannel(ctx, channelName); err != nil {
		lg.Fatal().Err(err).Str("channel", channelName).Msg("join")
	}

	sess.On(signalhub.EventMessage, func(payload any) {
		msg, ok := payload.(transport.Message)
		if !ok || msg.From == cfg.UserID {
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.Channel, msg.From, string(msg.Payload))
	})
	sess.On(signalhub.EventPresence, func(payload any) {
		rec, ok := payload.(transport.PresenceRecord)
		if !ok || rec.UserID == cfg.UserID {
			return
		}
		fmt.Printf("* %s is %s\n", rec.UserID, rec.Status)
	})
	sess.On(signalhub.EventConnectionStateChange, func(payload any) {
		sc, ok := payload.(signalhub.StateChange)
		if !ok {
			return
		}
		lg.Info().Str("from", string(sc.From)).Str("to", string(sc.To)).Str("reason", sc.Reason).Msg("connection")
	})

	fmt.Printf("Joined %s as %s. Type messages, Ctrl-C to quit.\n", channelName, cfg.UserID)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nbye")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			sent, err := sess.SendMessage(ctx, channelName, line)
			if err != nil {
				lg.Error().Err(err).Msg("send")
				continue
			}
			if !sent {
				lg.Warn().Msg("message not delivered, will not retry")
			}
		}
	}
}
