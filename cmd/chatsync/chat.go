package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	openJSON bool

	// send
	sendWait bool

	// watch
	watchMetricsAddr string
	watchRealtime    bool
	watchRetry       bool
	watchWebhookAddr string
	watchWebhookKey  string

	// chats
	chatsJSON bool

	// clear
	clearYes bool
)

func init() {
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendWait, "wait", true, "Wait for the push to finish before exiting")

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchRealtime, "realtime", false, "Also receive pushes over the WebSocket feed")
	watchCmd.Flags().BoolVar(&watchRetry, "retry", false, "Retry pending messages once after opening")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Accept signed message deliveries on this address (e.g. :8088)")
	watchCmd.Flags().StringVar(&watchWebhookKey, "webhook-secret", "", "Shared secret for webhook signatures (or CHATSYNC_WEBHOOK_SECRET)")

	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")

	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Do not ask for confirmation")

	rootCmd.AddCommand(openCmd, sendCmd, recallCmd, retryCmd, watchCmd, chatsCmd, clearCmd)
}

// ============================================================================
// Commands
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <chat-id>",
	Short: "Sync a conversation once and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		msgs := sess.engine.OpenConversation(ctx, args[0])
		if openJSON {
			return printJSON(msgs)
		}
		printMessages(msgs)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		msg, ok := sess.engine.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
		if !ok {
			return errors.New("message is empty")
		}
		if !sendWait {
			fmt.Println(formatMessage(msg))
			return nil
		}

		sess.engine.Wait()
		for _, m := range sess.store.Read(ctx, args[0]) {
			if m.ID == msg.ID {
				msg = m
			}
		}
		fmt.Println(formatMessage(msg))
		if msg.Pending() {
			fmt.Fprintln(os.Stderr, "Remote did not accept the message; it stays pending. Run 'chatsync retry' later.")
		}
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <chat-id> <message-id>",
	Short: "Remove a message from the local history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		if !sess.engine.RecallMessage(ctx, args[0], args[1]) {
			return fmt.Errorf("message %s not found in conversation %s", args[1], args[0])
		}
		fmt.Printf("Recalled %s\n", args[1])
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <chat-id>",
	Short: "Push pending messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		n := sess.engine.RetryPending(ctx, args[0])
		fmt.Printf("Delivered %d pending message(s)\n", n)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Open a conversation and keep it in sync until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chatID := args[0]

		sess, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer sess.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sess.logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			sess.logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		seen := make(map[string]bool)
		sess.engine.OnPublish(func(id string, msgs []chatsync.Message) {
			if id != chatID {
				return
			}
			for _, m := range msgs {
				key := m.ID
				if m.Synced {
					key += ":synced"
				}
				if !seen[key] {
					seen[key] = true
					fmt.Println(formatMessage(m))
				}
			}
		})
		sess.engine.OnRecall(func(id, msgID string) {
			fmt.Printf("recalled %s\n", msgID)
		})

		sess.engine.OpenConversation(ctx, chatID)
		if watchRetry {
			sess.engine.RetryPending(ctx, chatID)
		}

		if watchRealtime {
			logger := sess.logger
			rt := chatsync.NewRealtimeClient(sess.client.BaseURL(), &chatsync.RealtimeConfig{
				Tokens:               chatsync.StaticToken(sess.cfg.Auth.Token),
				AutoReconnect:        true,
				MaxReconnectAttempts: -1,
				Logger:               &logger,
			})
			rt.OnMessage(func(m chatsync.Message) {
				sess.engine.HandleIncoming(context.Background(), m.ChatID, []chatsync.Message{m})
			})
			if err := rt.Connect(ctx); err != nil {
				sess.logger.Warn().Err(err).Msg("realtime unavailable, relying on periodic sync")
			} else {
				defer rt.Disconnect()
				if err := rt.Join(ctx, chatID); err != nil {
					sess.logger.Warn().Err(err).Msg("failed to join conversation feed")
				}
			}
		}

		if watchWebhookAddr != "" {
			secret := valueOrDefault(watchWebhookKey, os.Getenv("CHATSYNC_WEBHOOK_SECRET"))
			wh, err := chatsync.NewWebhook(secret, sess.engine, sess.logger)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: watchWebhookAddr, Handler: wh}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					sess.logger.Error().Err(err).Msg("webhook server failed")
				}
			}()
			defer srv.Close()
			sess.logger.Info().Str("addr", watchWebhookAddr).Msg("accepting webhook deliveries")
		}

		<-ctx.Done()
		sess.engine.CloseConversation(chatID)
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List cached conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		list := sess.engine.ListChats(ctx)
		if chatsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			at := "-"
			if c.LastMessageAt > 0 {
				at = time.UnixMilli(c.LastMessageAt).Format("2006-01-02 15:04")
			}
			fmt.Printf("%-10s %-16s unread=%-3d %s\n", c.ID, at, c.Unread, c.LastMessage)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all locally stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return errors.New("refusing to clear local storage without --yes")
		}
		ctx := cmd.Context()
		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.Close()

		sess.store.ClearAll(ctx)
		fmt.Println("Local storage cleared.")
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
