package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1363V4/datastar-job/internal/config"
	"github.com/1363V4/datastar-job/internal/store"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [chat_id]",
	Short: "List stored chats, or print one conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.ValidateStore(); err != nil {
			return err
		}

		coll, err := store.Open(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer coll.Close()
		conv := store.NewConversationStore(coll)

		if len(args) == 0 {
			return listChats(cmd, conv)
		}
		return printChat(cmd, conv, args[0])
	},
}

func listChats(cmd *cobra.Command, conv *store.ConversationStore) error {
	ids, err := conv.ChatIDs(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func printChat(cmd *cobra.Command, conv *store.ConversationStore, chatID string) error {
	messages, err := conv.GetMessages(cmd.Context(), chatID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("chat %s not found", chatID)
	}
	for _, msg := range messages {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", msg.Role, msg.Content)
	}
	return nil
}
