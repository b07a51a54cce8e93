// Command admin is the staff-side terminal client: it lists customer
// conversations and opens one for a live admin chat.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
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
	memstore "github.com/storechat/internal/storage/memory"
	"github.com/storechat/internal/transport"
)

func main() {
	logger.SetPrefix("admin")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "admin bearer token")
	roomKey := flag.String("room", "", "open this room key directly instead of picking from the list")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "admin requires -token (or CHAT_TOKEN)")
		os.Exit(1)
	}

	var tok atomic.Value
	tok.Store(*token)
	api := backend.New(cfg.BackendBaseURL, cfg.HTTPTimeout, func() string {
		return tok.Load().(string)
	})
	// Admin identity never touches guest storage; memory is enough.
	resolver := identity.New(api, memstore.New())

	id := resolver.Resolve(ctx)
	if id.Class != model.ClassAdmin {
		fmt.Fprintln(os.Stderr, "this token is not an admin session")
		os.Exit(1)
	}

	room, err := pickRoom(ctx, api, *roomKey)
	if err != nil {
		logger.Errorf("rooms: %v", err)
		os.Exit(1)
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
	inbox := chat.NewInbox(api)
	ctl = inbox.Open(room, chat.Options{
		Resolver:         resolver,
		Transport:        trans,
		History:          api,
		PageSize:         cfg.HistoryPageSize,
		SendRefetchDelay: cfg.SendRefetchDelay,
		OnUpdate:         out.replay,
		OnTyping: func(t bool) {
			if t {
				out.line("… customer is typing")
			}
		},
		OnState: func(s chat.State) {
			switch s {
			case chat.StateDisconnected:
				out.line("-- offline, reconnecting --")
			case chat.StateReady:
				out.line("-- connected --")
			case chat.StateFailed:
				out.line("-- connection lost; restart the client --")
			}
		},
	})
	out.ctl = ctl

	if err := ctl.Start(ctx); err != nil {
		logger.Errorf("start: %v", err)
		fmt.Fprintln(os.Stderr, "could not open room:", ctl.Error())
		os.Exit(1)
	}
	defer ctl.Close()

	fmt.Printf("room %s open; messages below, /quit to exit\n", room.SessionKey)
	out.replay()

	sc := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !sc.Scan() {
			return
		}
		line := sc.Text()
		switch strings.TrimSpace(line) {
		case "/quit":
			return
		case "/more":
			if err := ctl.LoadMore(ctx); err == nil {
				out.replay()
			}
		default:
			if !ctl.Send(ctx, line) {
				if msg := ctl.Error(); msg != "" {
					out.line("send failed: " + msg)
				}
			}
		}
	}
}

// pickRoom resolves the room to open: the explicit flag, or an
// interactive choice from the inbox listing.
func pickRoom(ctx context.Context, api *backend.Client, explicit string) (model.Room, error) {
	if explicit != "" {
		return model.Room{SessionKey: explicit}, nil
	}

	inbox := chat.NewInbox(api)
	rooms, err := inbox.Rooms(ctx)
	if err != nil {
		return model.Room{}, err
	}
	if len(rooms) == 0 {
		return model.Room{}, fmt.Errorf("no conversations yet")
	}

	fmt.Println("conversations:")
	for i, r := range rooms {
		preview := ""
		if r.LastMessage != nil {
			preview = " | " + r.LastMessage.Text
		}
		unread := ""
		if r.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", r.UnreadCount)
		}
		fmt.Printf("%3d. %s%s%s\n", i+1, r.SessionKey, unread, preview)
	}
	fmt.Print("open which? ")

	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return model.Room{}, fmt.Errorf("no selection")
	}
	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || n < 1 || n > len(rooms) {
		return model.Room{}, fmt.Errorf("invalid selection %q", sc.Text())
	}
	return rooms[n-1], nil
}

// printer renders confirmed messages once each.
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
		who := "customer"
		if m.Sender == model.SenderAdmin {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), who, m.Text)
	}
}

func (p *printer) line(s string) {
	fmt.Println(s)
}
