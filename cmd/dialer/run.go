package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/event"
	"github.com/ClareAI/astra-dialer-service/internal/dialer"
	"github.com/ClareAI/astra-dialer-service/internal/dialer/remote"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/spf13/cobra"
)

// outcomeHold is how long the server holds each outcome poll
const outcomeHold = 25 * time.Second

const consoleHelp = `Commands:
  d                  dial the current lead
  h                  hang up
  r <code> [notes]   save the result of a connected call
  s [code] [notes]   save the result of the last call (if unsaved) and move on
  n                  skip to the next lead
  c <number>         change caller id
  l                  reload the queue
  o                  list result codes
  ?                  this help
  q                  quit
`

func newRunCmd() *cobra.Command {
	var (
		callerID string
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive calling session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runConsole(ctx, cmd, callerID, delay)
		},
	}

	cmd.Flags().StringVar(&callerID, "caller-id", "", "outbound number (defaults to the server's first caller id)")
	cmd.Flags().DurationVar(&delay, "advance-delay", config.DefaultAutoAdvanceDelay, "pause before moving on after an automatic result")
	return cmd
}

func runConsole(ctx context.Context, cmd *cobra.Command, callerID string, delay time.Duration) error {
	client, agent, err := connect(cmd)
	if err != nil {
		return err
	}
	if callerID == "" {
		ids, err := client.CallerIDs(ctx)
		if err != nil {
			return fmt.Errorf("listing caller ids: %w", err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("the server has no caller ids configured; pass --caller-id")
		}
		callerID = ids[0]
	}

	bus := event.NewBus()
	defer bus.Close()

	queue := remote.NewQueue(client)
	view := &console{out: cmd.OutOrStdout()}
	session, err := dialer.NewSession(dialer.Config{
		Agent:            agent,
		CallerID:         callerID,
		AutoAdvanceDelay: delay,
		Device:           remote.NewDevice(client),
		Outcomes:         bus,
		Watcher:          remote.NewWatcher(client, bus, outcomeHold, config.DefaultPollInterval),
		Queue:            queue,
		QueueUpdater:     queue,
		Results:          remote.NewResults(client),
		OnChange:         view.render,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	// a device failure leaves the session usable for browsing the queue
	_ = session.Open(ctx)
	if n, err := session.LoadQueue(ctx); err != nil {
		view.printf("Could not load queue: %v\n", err)
	} else {
		view.printf("Loaded %d leads for %s.\n", n, agent)
	}
	view.printf("%s", consoleHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, session, view, line)
			if err != nil {
				view.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// controls is the part of the session the console drives
type controls interface {
	Dial(ctx context.Context) (string, error)
	Hangup(ctx context.Context) error
	SubmitResult(ctx context.Context, form dialer.ResultForm) error
	SaveAndNext(ctx context.Context, form *dialer.ResultForm) error
	Next() error
	SetCallerID(number string) error
	LoadQueue(ctx context.Context) (int, error)
	Snapshot() dialer.Snapshot
}

// dispatch runs one console command
func dispatch(ctx context.Context, s controls, view *console, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		view.render(s.Snapshot())
		return false, nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "d", "dial":
		_, err := s.Dial(ctx)
		return false, err
	case "h", "hangup":
		return false, s.Hangup(ctx)
	case "r", "result":
		if len(args) == 0 {
			return false, errors.New("usage: r <code> [notes]")
		}
		return false, s.SubmitResult(ctx, resultForm(args))
	case "s", "save":
		var form *dialer.ResultForm
		if len(args) > 0 {
			f := resultForm(args)
			form = &f
		}
		return false, s.SaveAndNext(ctx, form)
	case "n", "next":
		return false, s.Next()
	case "c", "caller":
		if len(args) != 1 {
			return false, errors.New("usage: c <number>")
		}
		return false, s.SetCallerID(args[0])
	case "l", "load":
		n, err := s.LoadQueue(ctx)
		if err == nil {
			view.printf("Loaded %d leads.\n", n)
		}
		return false, err
	case "o", "outcomes":
		for _, o := range domain.Vocabulary() {
			view.printf("  %s\n", o)
		}
		return false, nil
	case "?", "help":
		view.printf("%s", consoleHelp)
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	}
	return false, fmt.Errorf("unknown command %q, type ? for help", fields[0])
}

func resultForm(args []string) dialer.ResultForm {
	return dialer.ResultForm{
		Outcome: domain.Outcome(args[0]),
		Notes:   strings.Join(args[1:], " "),
	}
}

// console serialises writes from the input loop and session callbacks
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) render(snap dialer.Snapshot) {
	c.printf("%s\n", formatSnapshot(snap))
}

func formatSnapshot(snap dialer.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", snap.State, snap.Status)
	switch {
	case snap.Lead != nil:
		fmt.Fprintf(&b, " | lead %d/%d", snap.Position+1, snap.Total)
	case snap.Total > 0:
		b.WriteString(" | queue finished")
	}
	if snap.Lead != nil {
		fmt.Fprintf(&b, " | %s", snap.Lead.Name)
		if snap.Lead.Company != "" {
			fmt.Fprintf(&b, " (%s)", snap.Lead.Company)
		}
		if number, ok := snap.Lead.DialNumber(); ok {
			fmt.Fprintf(&b, " %s", number)
		}
	}
	if snap.LastOutcome != "" {
		fmt.Fprintf(&b, " | last: %s", snap.LastOutcome)
	}
	if !snap.DeviceReady {
		b.WriteString(" | dialing disabled")
	}
	return b.String()
}
