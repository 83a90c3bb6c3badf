package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	chatsync "github.com/nimbusim/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVar(&watchChannels, "channel", nil, "channel cid to watch (repeatable)")
}

var watchChannels []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print event batches as they arrive",
	Long:  "Log in with the configured user, connect the realtime transport, and print every delivered event batch until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("no user configured; run 'chatsync config set auth.user_id <id>'")
		}

		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		client.Collector().Subscribe(func(batch chatsync.BatchEvent) error {
			source := "live"
			if batch.FromHistory() {
				source = "history"
			}
			fmt.Printf("batch (%s, %d events)\n", source, batch.Size())
			for _, ev := range batch.Events() {
				line := fmt.Sprintf("  %s", ev.Type)
				if ev.CID != "" {
					line += " " + ev.CID
				}
				if ev.Message != nil {
					line += fmt.Sprintf(" %q", ev.Message.Text)
				}
				if ev.Err != nil {
					line += " error=" + ev.Err.Error()
				}
				fmt.Println(line)
			}
			return nil
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		user := &chatsync.User{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName}
		if err := client.Login(ctx, user); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer client.Disconnect()

		for _, cid := range watchChannels {
			if res := client.WatchChannel(ctx, cid); res.IsFailure() {
				fmt.Fprintf(os.Stderr, "watch %s: %v\n", cid, res.Err())
			}
		}

		fmt.Println("watching; press Ctrl-C to stop")
		<-ctx.Done()
		return client.Collector().Flush()
	},
}
