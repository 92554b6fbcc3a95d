package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/synapse/internal/api"
	"github.com/matheus3301/synapse/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonFlag    bool
	timeout     time.Duration
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "synapsectl",
		Short:        "Control a running synapsed",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-call timeout")

	root.AddCommand(
		newStatusCmd(),
		newSyncCmd(),
		newMessagesCmd(),
		newSendCmd(),
		newSeenCmd(),
		newUnreadCmd(),
		newLeaveCmd(),
		newCreateCmd(),
		newWatchCmd(),
	)
	return root
}

// connect dials the daemon of the resolved profile.
func connect() (*api.Client, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// call runs fn against the daemon with the per-call timeout.
func call(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state of running conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SyncStatus(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				if resp.Offline {
					fmt.Println("Offline: every running conversation is stalled")
				}
				if len(resp.Conversations) == 0 {
					fmt.Println("No conversations syncing.")
					return nil
				}
				for _, cs := range resp.Conversations {
					last := "never"
					if cs.LastMergeUnixMs > 0 {
						last = time.UnixMilli(cs.LastMergeUnixMs).Format(time.RFC3339)
					}
					fmt.Printf("%-24s %-12s last merge %s\n", cs.ConversationID, cs.State, last)
				}
				return nil
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start or stop syncing a conversation",
	}
	var background bool
	start := &cobra.Command{
		Use:   "start <conversation>",
		Short: "Start syncing and print the lease id (expires unless renewed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.StartSync(ctx, &api.StartSyncRequest{ConversationID: args[0], Background: background})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Println(resp.LeaseID)
				return nil
			})
		},
	}
	start.Flags().BoolVar(&background, "background", false, "sync without marking messages seen")
	stop := &cobra.Command{
		Use:   "stop <lease>",
		Short: "Release a sync lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.StopSync(ctx, &api.StopSyncRequest{LeaseID: args[0]})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				if !resp.Released {
					return errors.New("unknown lease")
				}
				return nil
			})
		},
	}
	renew := &cobra.Command{
		Use:   "renew <lease>",
		Short: "Extend a sync lease before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.RenewSync(ctx, &api.RenewSyncRequest{LeaseID: args[0]})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Println(time.UnixMilli(resp.ExpiresUnixMs).Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.AddCommand(start, renew, stop)
	return cmd
}

func newMessagesCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "messages <conversation>",
		Short: "List cached messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: args[0], PageSize: pageSize})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				printPage(resp)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&pageSize, "limit", 0, "page size (default from config)")
	return cmd
}

func printPage(p *api.ListMessagesResponse) {
	for _, m := range p.Messages {
		ts := time.UnixMilli(m.LocalTimestamp).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-10s %-9s %s\n", ts, m.SenderID, m.Status, m.Text)
	}
	if p.HasMore {
		fmt.Println("...")
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SendText(ctx, &api.SendTextRequest{ConversationID: args[0], Text: strings.Join(args[1:], " ")})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				fmt.Printf("queued %s\n", resp.Message.ID)
				return nil
			})
		},
	}
}

func newSeenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seen <conversation>",
		Short: "Mark a conversation seen up to its newest message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.MarkSeen(ctx, &api.MarkSeenRequest{ConversationID: args[0]})
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				if !resp.Written {
					fmt.Println("already seen")
				}
				return nil
			})
		},
	}
}

func newUnreadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Show unread counts per conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.UnreadCounts(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return outputJSON(resp)
				}
				ids := make([]string, 0, len(resp.Counts))
				for id := range resp.Counts {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Printf("%-24s %s\n", id, resp.Counts[id].Label)
				}
				return nil
			})
		},
	}
}

func newLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <conversation>",
		Short: "Leave a conversation and drop its cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				_, err := c.LeaveConversation(ctx, &api.LeaveConversationRequest{ConversationID: args[0]})
				return err
			})
		},
	}
}

func newCreateCmd() *cobra.Command {
	var (
		convType string
		name     string
	)
	cmd := &cobra.Command{
		Use:   "create <conversation> <member>...",
		Short: "Create a conversation on the remote store",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *api.Client) error {
				_, err := c.CreateConversation(ctx, &api.CreateConversationRequest{
					ConversationID: args[0],
					Type:           strings.ToUpper(convType),
					Name:           name,
					MemberIDs:      args[1:],
				})
				return err
			})
		},
	}
	cmd.Flags().StringVar(&convType, "type", "group", "direct, group or self")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "watch <conversation>",
		Short: "Follow a conversation, marking it seen while watched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			w, err := c.WatchConversation(cmd.Context(), &api.WatchConversationRequest{ConversationID: args[0], PageSize: pageSize})
			if err != nil {
				return err
			}
			for {
				u, err := w.Recv()
				if errors.Is(err, io.EOF) || cmd.Context().Err() != nil {
					return nil
				}
				if err != nil {
					return err
				}
				if jsonFlag {
					if err := outputJSON(u); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("--- %s  unread %s\n", u.SyncState, u.Unread)
				printPage(&u.Page)
			}
		},
	}
	cmd.Flags().IntVar(&pageSize, "limit", 20, "messages per update")
	return cmd
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
