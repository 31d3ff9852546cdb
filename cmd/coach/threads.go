package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/peakform/coach/internal/chat"
	"github.com/peakform/coach/internal/config"
	"github.com/peakform/coach/internal/store"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		threads, err := st.List(cfg.API.TenantID)
		if err != nil {
			return err
		}
		if len(threads) == 0 {
			fmt.Println("No threads yet.")
			return nil
		}

		for _, th := range threads {
			title := th.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  %2d msgs  %s\n",
				colorize(colorCyan, th.ID[:8]),
				th.UpdatedAt.Format("2006-01-02 15:04"),
				th.MessageCount,
				title,
			)
		}
		return nil
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		conv, err := resolveThread(st, cfg.API.TenantID, args[0])
		if err != nil {
			return err
		}

		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		printStatus("Thread", "%s", conv.ID)
		printStatus("Title", "%s", title)
		printStatus("Persona", "%s", conv.Persona)
		if conv.LinkedGoalID != "" {
			printStatus("Goal", "%s", conv.LinkedGoalID)
		}

		for _, m := range conv.Messages {
			speaker := "you"
			color := colorBold
			if m.Role == chat.RoleAssistant {
				speaker = "coach"
				color = colorGreen
			}
			fmt.Printf("\n%s %s\n%s\n",
				colorize(color, speaker+">"),
				m.Timestamp.Format("2006-01-02 15:04"),
				m.Content,
			)
		}
		return nil
	},
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		conv, err := resolveThread(st, cfg.API.TenantID, args[0])
		if err != nil {
			return err
		}
		if err := st.Rename(conv.ID, cfg.API.TenantID, args[1]); err != nil {
			return err
		}
		printSuccess("Renamed thread %s", conv.ID[:8])
		return nil
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		conv, err := resolveThread(st, cfg.API.TenantID, args[0])
		if err != nil {
			return err
		}
		if err := st.Delete(conv.ID, cfg.API.TenantID); err != nil {
			return err
		}
		printSuccess("Deleted thread %s", conv.ID[:8])
		return nil
	},
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
}

func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return st, nil
}

// resolveThread accepts a full thread id or a unique prefix.
func resolveThread(st *store.Store, tenantID, idOrPrefix string) (chat.Conversation, error) {
	c, err := st.Get(idOrPrefix, tenantID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return chat.Conversation{}, err
	}

	threads, err := st.List(tenantID)
	if err != nil {
		return chat.Conversation{}, err
	}
	var match string
	for _, th := range threads {
		if strings.HasPrefix(th.ID, idOrPrefix) {
			if match != "" {
				return chat.Conversation{}, fmt.Errorf("thread prefix %q is ambiguous", idOrPrefix)
			}
			match = th.ID
		}
	}
	if match == "" {
		return chat.Conversation{}, fmt.Errorf("thread %q not found", idOrPrefix)
	}
	return st.Get(match, tenantID)
}
