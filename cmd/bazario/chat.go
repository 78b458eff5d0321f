package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	bazario "github.com/bazario-app/bazario-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Open an interactive conversation with another user",
	Long: "Open an interactive conversation with another user.\n" +
		"Loads history, streams incoming messages, and sends each line you\n" +
		"type as a message. Type /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		counterparty := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.User.ID == "" {
			return fmt.Errorf("no user configured; run 'bazario config set user.id <id>' first")
		}

		client, err := newSDKClient(cfg)
		if err != nil {
			return err
		}

		socket := bazario.NewSocketManager(client, nil)
		sm := bazario.NewSessionManager(client, configCredentialStore{},
			staticTokenProvider{token: cfg.Device.PushToken}, socket, nil)
		sm.SetDeviceInfo(bazario.DeviceInfo{
			Name:     valueOrDefault(cfg.Device.Name, "bazario-cli"),
			Platform: bazario.DevicePlatform(valueOrDefault(cfg.Device.Platform, "android")),
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
		defer regCancel()
		if _, err := sm.RegisterSession(regCtx, cfg.Default.AuthToken, bazario.User{
			ID:    cfg.User.ID,
			Email: cfg.User.Email,
		}); err != nil {
			return fmt.Errorf("session registration failed: %w", err)
		}

		store := bazario.NewChatStore(client, socket, cfg.User.ID, nil)

		var presence *bazario.PresenceTracker
		presence = bazario.NewPresenceTracker(socket, counterparty, &bazario.PresenceOptions{
			OnChange: func() {
				switch {
				case presence.PeerTyping():
					fmt.Printf("\r* %s is typing...\n> ", counterparty)
				case presence.PeerOnline():
					fmt.Printf("\r* %s is online\n> ", counterparty)
				default:
					fmt.Printf("\r* %s is offline\n> ", counterparty)
				}
			},
		}, nil)

		detachStore := store.Attach(socket)
		defer detachStore()
		detachPresence := presence.Attach(socket)
		defer detachPresence()

		unsubRecv := socket.OnReceiveMessage(func(m bazario.Message) {
			if m.SenderID == counterparty {
				fmt.Printf("\r< %s\n> ", renderContent(m))
			}
		})
		defer unsubRecv()

		if err := store.Reload(ctx, counterparty); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not load history: %v\n", err)
		}

		history := store.Messages()
		for _, m := range history {
			prefix := "<"
			if m.SenderID == cfg.User.ID {
				prefix = ">"
			}
			fmt.Printf("%s %s\n", prefix, renderContent(m))
		}

		// Everything on screen counts as visible.
		visible := make([]string, 0, len(history))
		for i := range history {
			visible = append(visible, history[i].Key())
		}
		if err := store.MarkVisibleAsRead(ctx, visible, counterparty); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not mark messages read: %v\n", err)
		}

		fmt.Printf("Connected as %s. Chatting with %s. Type /quit to exit.\n", cfg.User.ID, counterparty)
		fmt.Print("> ")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "/quit" {
				break
			}
			if line == "" {
				fmt.Print("> ")
				continue
			}
			presence.InputActivity(ctx)
			if _, err := store.SendText(ctx, counterparty, line); err != nil {
				fmt.Fprintf(os.Stderr, "warning: send failed: %v\n", err)
			}
			presence.FlushTyping(ctx)
			fmt.Print("> ")
		}

		presence.FlushTyping(ctx)
		if err := socket.Disconnect(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: disconnect failed: %v\n", err)
		}
		return scanner.Err()
	},
}

// renderContent picks the displayable body of a message.
func renderContent(m bazario.Message) string {
	switch {
	case m.Content != "":
		return m.Content
	case m.ImageURL != "":
		return "[image] " + m.ImageURL
	case m.FileURL != "":
		return "[file] " + valueOrDefault(m.FileName, m.FileURL)
	default:
		return "(empty message)"
	}
}
