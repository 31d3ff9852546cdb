package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/peakform/coach/internal/backend"
	"github.com/peakform/coach/internal/chat"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the business coach",
	Long: `Talk to the business coach.

With a message argument, runs one exchange and exits. Without arguments,
opens an interactive session: Ctrl+C cancels the reply being streamed,
Ctrl+D ends the session.

Examples:
  coach chat "How do I improve my gross margin?"
  coach chat --persona strategist
  coach chat --thread 4f1c --goal goal-mrr "Where do we stand?"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		persona, _ := cmd.Flags().GetString("persona")
		goalID, _ := cmd.Flags().GetString("goal")
		threadID, _ := cmd.Flags().GetString("thread")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if persona == "" {
			persona = cfg.Chat.DefaultPersona
		}

		client := backend.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.TenantID)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var conv *chat.Conversation
		if threadID != "" {
			c, err := resolveThread(st, cfg.API.TenantID, threadID)
			if err != nil {
				return err
			}
			conv = &c
		}

		if goalID != "" && conv == nil {
			if err := checkGoal(cmd.Context(), client, goalID); err != nil {
				printWarning("%v", err)
			}
		}

		printer := &streamPrinter{}
		sess := chat.NewSession(chat.SessionOptions{
			Backend:      client,
			Store:        st,
			Conversation: conv,
			TenantID:     cfg.API.TenantID,
			Persona:      persona,
			GoalID:       goalID,
			OnUpdate:     printer.update,
		})

		// Ctrl+C cancels the in-flight exchange instead of killing the process.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		go func() {
			for range sigCh {
				sess.Cancel()
			}
		}()

		if len(args) > 0 {
			return runExchange(cmd.Context(), sess, printer, strings.Join(args, " "))
		}
		return runInteractive(cmd.Context(), sess, printer)
	},
}

func init() {
	chatCmd.Flags().String("persona", "", "coaching persona: coach, strategist, or accountant")
	chatCmd.Flags().String("goal", "", "business goal id to link a new thread to")
	chatCmd.Flags().String("thread", "", "continue an existing thread (id or unique prefix)")
}

func runExchange(ctx context.Context, sess *chat.Session, printer *streamPrinter, text string) error {
	if err := sess.Send(ctx, text); err != nil {
		return err
	}
	printer.finish(sess.State())
	return nil
}

func runInteractive(ctx context.Context, sess *chat.Session, printer *streamPrinter) error {
	printStep("interactive session, Ctrl+D to exit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fmt.Print("coach> ")
		if err := sess.Send(ctx, text); err != nil {
			if errors.Is(err, chat.ErrBusy) {
				printWarning("still replying to the previous message")
				continue
			}
			return err
		}
		printer.finish(sess.State())
	}
}

// checkGoal verifies the goal exists for this tenant before linking it.
func checkGoal(ctx context.Context, client *backend.Client, goalID string) error {
	goals, err := client.ListGoals(ctx)
	if err != nil {
		return fmt.Errorf("could not verify goal %s: %v", goalID, err)
	}
	for _, g := range goals {
		if g.ID == goalID {
			return nil
		}
	}
	return fmt.Errorf("goal %s not found for this tenant; linking it anyway", goalID)
}

// streamPrinter renders conversation snapshots incrementally: each update
// prints only the suffix of the assistant reply that has not been printed
// yet, so deltas appear as they stream.
type streamPrinter struct {
	mu      sync.Mutex
	lastID  string
	printed int
}

func (p *streamPrinter) update(c chat.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(c.Messages) == 0 {
		return
	}
	m := c.Messages[len(c.Messages)-1]
	if m.Role != chat.RoleAssistant {
		return
	}
	if m.ID != p.lastID {
		p.lastID = m.ID
		p.printed = 0
	}

	switch {
	case len(m.Content) > p.printed:
		fmt.Print(m.Content[p.printed:])
	case len(m.Content) < p.printed:
		// The reply was replaced wholesale (fallback result or failure
		// text); reprint it on a fresh line.
		fmt.Printf("\n%s", m.Content)
	}
	p.printed = len(m.Content)
}

func (p *streamPrinter) finish(state chat.State) {
	fmt.Println()
	switch state {
	case chat.StateCancelled:
		printWarning("reply cancelled")
	case chat.StateFailed:
		printWarning("exchange could not be completed")
	}
}
