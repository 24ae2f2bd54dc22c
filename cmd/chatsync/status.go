package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local storage and remote reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()
		cfg := sess.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", sess.client.BaseURL())
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Storage:     %s %s\n", cfg.Storage.Backend, cfg.Storage.DSN)
		fmt.Printf("  Interval:    %s\n", cfg.Sync.Interval)

		fmt.Println()
		fmt.Println("Local:")
		chats := sess.store.Chats(ctx)
		if len(chats) == 0 {
			fmt.Println("  Conversations: 0")
		} else {
			fmt.Printf("  Conversations: %d (%s)\n", len(chats), strings.Join(chats, ", "))
		}
		pending := 0
		for _, id := range chats {
			for _, m := range sess.store.Read(ctx, id) {
				if m.Pending() {
					pending++
				}
			}
		}
		fmt.Printf("  Pending:       %d\n", pending)

		fmt.Println()
		fmt.Println("Remote:")
		fmt.Printf("  Health:        %s\n", probe(ctx, sess.client.BaseURL()+"/healthz"))
		return nil
	},
}

func probe(ctx context.Context, url string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "error: " + err.Error()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "unreachable (" + err.Error() + ")"
	}
	resp.Body.Close()
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
