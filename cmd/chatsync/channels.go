package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/nimbusim/chatsync"
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsHideCmd)

	channelsListCmd.Flags().StringVar(&channelsFilter, "filter", "", "server-side filter expression")
	channelsListCmd.Flags().StringVar(&channelsSort, "sort", "last_message_at", "sort field")
	channelsCreateCmd.Flags().StringVar(&channelsType, "type", "messaging", "channel type")
	channelsHideCmd.Flags().BoolVar(&channelsClear, "clear-history", false, "also drop cached messages")
}

var (
	channelsFilter string
	channelsSort   string
	channelsType   string
	channelsClear  bool
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Query and manage channels",
}

func sessionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// loginForCommand builds a client and logs in the configured user for a
// one-shot command.
func loginForCommand(ctx context.Context) (*chatsync.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user configured; run 'chatsync config set auth.user_id <id>'")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	user := &chatsync.User{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName}
	if err := client.Login(ctx, user); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return client, nil
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := sessionContext()
		defer cancel()

		client, err := loginForCommand(ctx)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		q := &chatsync.QuerySpec{Filter: channelsFilter, Sort: channelsSort}
		res := client.QueryChannels(ctx, q, chatsync.SingleMessageWindow)
		if res.IsFailure() {
			return res.Err()
		}
		for _, ch := range res.Value() {
			preview := ""
			if len(ch.Messages) > 0 {
				preview = ch.Messages[len(ch.Messages)-1].Text
			}
			fmt.Printf("%-40s %-20s %q\n", ch.CID(), ch.Name, preview)
		}
		return nil
	},
}

var channelsCreateCmd = &cobra.Command{
	Use:   "create <member-id>...",
	Short: "Create a distinct channel for a set of members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := sessionContext()
		defer cancel()

		client, err := loginForCommand(ctx)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		res := client.CreateChannel(ctx, chatsync.CreateChannelRequest{
			ChannelType: channelsType,
			MemberIDs:   args,
		})
		if res.IsFailure() {
			return res.Err()
		}
		ch := res.Value()
		fmt.Printf("created %s (members: %s)\n", ch.CID(), strings.Join(args, ", "))
		return nil
	},
}

var channelsHideCmd = &cobra.Command{
	Use:   "hide <cid>",
	Short: "Hide a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := sessionContext()
		defer cancel()

		client, err := loginForCommand(ctx)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		// Warm the cache so the optimistic hide has a channel row to flag.
		if res := client.QueryChannel(ctx, args[0]); res.IsFailure() {
			return res.Err()
		}
		if res := client.HideChannel(ctx, args[0], channelsClear); res.IsFailure() {
			return res.Err()
		}
		fmt.Printf("hidden %s\n", args[0])
		return nil
	},
}
