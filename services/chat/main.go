// Command chat is the customer-side terminal client: it resolves the
// caller's identity (guest or signed-in), connects to the store's chat
// channel and runs an interactive message loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/storechat/internal/backend"
	"github.com/storechat/internal/chat"
	"github.com/storechat/internal/config"
	"github.com/storechat/internal/identity"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/model"
	"github.com/storechat/internal/storage"
	filestore "github.com/storechat/internal/storage/file"
	memstore "github.com/storechat/internal/storage/memory"
	redisstore "github.com/storechat/internal/storage/redis"
	"github.com/storechat/internal/transport"
)

func main() {
	logger.SetPrefix("chat")
	newChat := flag.Bool("new", false, "discard the stored guest session and start a fresh conversation")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token for a signed-in session")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Errorf("storage: %v", err)
		os.Exit(1)
	}
	defer kv.Close()

	var tok atomic.Value
	tok.Store(*token)
	api := backend.New(cfg.BackendBaseURL, cfg.HTTPTimeout, func() string {
		return tok.Load().(string)
	})
	resolver := identity.New(api, kv)

	if *newChat {
		if err := resolver.NewChat(ctx); err != nil {
			logger.Errorf("new chat: %v", err)
		}
	}

	var ctl *chat.Controller
	trans := transport.New(transport.Config{
		URL:                  cfg.WSURL,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		WriteTimeout:         time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:          time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize:       int64(cfg.WSMaxMessageSize),
		SendBufferSize:       cfg.WSSendBufferSize,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		TokenSource:          resolver.Token,
		OnStateChange: func(s transport.State) {
			if ctl != nil {
				ctl.HandleTransportState(s)
			}
		},
	})

	out := &printer{}
	ctl = chat.New(chat.Options{
		Resolver:         resolver,
		Transport:        trans,
		History:          api,
		PageSize:         cfg.HistoryPageSize,
		SendRefetchDelay: cfg.SendRefetchDelay,
		OnUpdate:         out.replay,
		OnTyping: func(t bool) {
			if t {
				out.line("… the other side is typing")
			}
		},
		OnState: func(s chat.State) {
			switch s {
			case chat.StateDisconnected:
				out.line("-- offline, reconnecting --")
			case chat.StateReady:
				out.line("-- connected --")
			case chat.StateFailed:
				out.line("-- connection lost; restart or /new --")
			}
		},
	})
	out.ctl = ctl

	if err := ctl.Start(ctx); err != nil {
		logger.Errorf("start: %v", err)
		fmt.Fprintln(os.Stderr, "could not start chat:", ctl.Error())
		os.Exit(1)
	}
	defer ctl.Close()

	id := ctl.Identity()
	fmt.Printf("connected as %s (conversation %s)\n", id.Class, ctl.SessionKey())
	out.replay()

	runInputLoop(ctx, ctl, out)
}

// runInputLoop reads lines until EOF or signal. Slash commands: /new,
// /more, /quit.
func runInputLoop(ctx context.Context, ctl *chat.Controller, out *printer) {
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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return
			case "/more":
				if err := ctl.LoadMore(ctx); err != nil {
					out.line("could not load more: " + ctl.Error())
				} else {
					out.replay()
				}
			case "/new":
				if err := ctl.StartNewChat(ctx); err != nil {
					out.line(err.Error())
				} else {
					out.reset()
					out.line("started a new conversation " + ctl.SessionKey())
				}
			default:
				ctl.SendTyping(false)
				if !ctl.Send(ctx, line) {
					if msg := ctl.Error(); msg != "" {
						out.line("send failed: " + msg)
					}
				}
			}
		}
	}
}

// printer renders confirmed messages once each. Optimistic entries are
// skipped: the typed line is already on screen.
type printer struct {
	mu   sync.Mutex
	ctl  *chat.Controller
	seen map[int64]bool
}

func (p *printer) replay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[int64]bool)
	}
	for _, m := range p.ctl.Messages() {
		if m.Optimistic() || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		who := "you"
		if m.Sender == model.SenderAdmin {
			who = "support"
		}
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), who, m.Text)
	}
}

func (p *printer) reset() {
	p.mu.Lock()
	p.seen = make(map[int64]bool)
	p.mu.Unlock()
}

func (p *printer) line(s string) {
	fmt.Println(s)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.KV, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memstore.New(), nil
	case "redis":
		return redisstore.New(ctx, cfg.Storage.Redis)
	default:
		return filestore.New(cfg.Storage.Path)
	}
}
