package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"collaboration-core/config"
	"collaboration-core/internal/collab"
	"collaboration-core/internal/engine"
	"collaboration-core/internal/observability"
	"collaboration-core/internal/presence"
	"collaboration-core/internal/protocol"
	"collaboration-core/internal/transport"
	"collaboration-core/pkg/ot"
)

type editOptions struct {
	configPath string
	contentID  string
	name       string
	userID     string
	transport  string
}

func newTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case "websocket":
		ws := transport.NewWebSocket(transport.WebSocketConfig{
			URL:            cfg.Transport.URL,
			InitialBackoff: cfg.Transport.InitialBackoff,
			MaxBackoff:     cfg.Transport.MaxBackoff,
			Logger:         logger,
		})
		return ws, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Transport.RedisAddr})
		return transport.NewRedis(client, logger), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

func runEdit(ctx context.Context, opts editOptions, in io.Reader, out io.Writer) error {
	cfg, err := loadEditConfig(opts)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	tr, release, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	facade, err := collab.New(collab.Options{
		User:                presence.Participant{ID: opts.userID, Name: opts.name},
		Transport:           tr,
		Logger:              logger,
		IdleThreshold:       cfg.Session.IdleThreshold,
		HistorySize:         cfg.Session.HistorySize,
		MaxPending:          cfg.Session.MaxPending,
		ResyncAfterDiscards: cfg.Session.ResyncAfterDiscards,
		SnapshotTimeout:     cfg.Session.SnapshotTimeout,
	})
	if err != nil {
		return err
	}
	defer facade.Close()

	printer := &eventPrinter{out: out}
	facade.Subscribe(printer.print)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := facade.JoinContent(ctx, opts.contentID); err != nil {
		return err
	}
	printer.printf("joined %s as %s\n", opts.contentID, facade.UserID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return facade.LeaveContent(context.Background())
		case line, ok := <-lines:
			if !ok {
				return facade.LeaveContent(ctx)
			}
			quit, err := runCommand(ctx, facade, printer, line)
			if err != nil {
				printer.printf("error: %v\n", err)
			}
			if quit {
				return facade.LeaveContent(ctx)
			}
		}
	}
}

func loadEditConfig(opts editOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath, "")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.transport != "" {
		cfg.Transport.Kind = opts.transport
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func runCommand(ctx context.Context, f *collab.Facade, p *eventPrinter, line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return false, nil
	case "q":
		return true, nil
	case "p":
		p.printf("%q\n", f.Content())
	case "w":
		for _, u := range f.ActiveUsers() {
			state := "idle"
			if u.Active {
				state = "active"
			}
			p.printf("%s (%s) %s\n", u.Name, u.ID, state)
		}
	case "r":
		return false, f.Resync(ctx)
	case "i":
		posText, text, _ := strings.Cut(rest, " ")
		pos, err := strconv.Atoi(posText)
		if err != nil {
			return false, fmt.Errorf("insert position: %w", err)
		}
		_, err = f.ApplyTextOperation(ctx, ot.NewInsert(pos, text))
		return false, err
	case "d":
		nums, err := ints(rest, 2)
		if err != nil {
			return false, err
		}
		_, err = f.ApplyTextOperation(ctx, ot.NewDelete(nums[0], nums[1]))
		return false, err
	case "c":
		nums, err := ints(rest, 1)
		if err != nil {
			return false, err
		}
		return false, f.UpdateCursor(ctx, protocol.CursorPosition{Offset: nums[0], ContentID: f.ContentID()})
	case "s":
		nums, err := ints(rest, 2)
		if err != nil {
			return false, err
		}
		return false, f.UpdateSelection(ctx, protocol.TextSelection{
			Start: protocol.CursorPosition{Offset: nums[0], ContentID: f.ContentID()},
			End:   protocol.CursorPosition{Offset: nums[1], ContentID: f.ContentID()},
		})
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func ints(s string, n int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("want %d numbers, got %q", n, s)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// eventPrinter serialises output from the command loop and event callbacks.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *eventPrinter) print(evt collab.Event) {
	switch e := evt.(type) {
	case collab.UserJoined:
		p.printf("+ %s joined\n", e.User.Name)
	case collab.UserLeft:
		p.printf("- %s left\n", e.User.Name)
	case collab.CursorMoved:
		p.printf("  %s cursor at %d\n", e.User.Name, e.Position.Offset)
	case collab.SelectionChanged:
		if e.Selection == nil {
			p.printf("  %s cleared selection\n", e.User.Name)
		} else {
			p.printf("  %s selected %d..%d\n", e.User.Name, e.Selection.Start.Offset, e.Selection.End.Offset)
		}
	case collab.TextChanged:
		if e.Origin == engine.Remote || e.Replay {
			p.printf("~ %s: %q\n", e.Operation.UserID, e.Content)
		}
	case collab.OperationDiscarded:
		p.printf("! discarded %s (%s): %v\n", e.Operation, e.Reason, e.Err)
	case collab.ConnectionStatusChanged:
		if e.Connected {
			p.printf("* connected\n")
		} else {
			p.printf("* disconnected\n")
		}
	case collab.Resynced:
		p.printf("* resynced (%s): %q\n", e.Trigger, e.Content)
	}
}
