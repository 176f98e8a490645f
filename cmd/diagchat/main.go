// Command diagchat asks a server's log assistant questions from a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/omninoc/backend/internal/client"
	"github.com/omninoc/backend/internal/models"
	"github.com/omninoc/backend/internal/services"
	"github.com/spf13/cobra"
)

var (
	baseURL  string
	token    string
	serverID uint
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "diagchat",
	Short:        "Chat with the log assistant of one server",
	SilenceUsage: true,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question and stream the answer",
	Long: `Ask a question about the server's recent logs.

The answer is streamed as it is generated. Press Ctrl+C to stop it; the
partial answer is kept in the chat history.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the chat history",
	RunE:  runHistory,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [messageId]",
	Short: "Mark an answer as resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("OMNINOC_URL", "http://localhost:8080"), "assistant API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("OMNINOC_TOKEN"), "bearer token issued by the console")
	rootCmd.PersistentFlags().UintVar(&serverID, "server", 0, "server id")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "timeout for non-streaming requests")
	_ = rootCmd.MarkPersistentFlagRequired("server")

	askCmd.Flags().String("range", services.DefaultRange, "log window: "+strings.Join(services.RangeOptions, ", "))
	askCmd.Flags().String("q", "", "only use log lines containing this text")

	historyCmd.Flags().Int("limit", 50, "number of messages")

	resolveCmd.Flags().Bool("reopen", false, "mark the answer as not resolved")

	rootCmd.AddCommand(askCmd, historyCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(baseURL, token, timeout)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rangeWindow, _ := cmd.Flags().GetString("range")
	filter, _ := cmd.Flags().GetString("q")

	result, err := newClient().Send(ctx, serverID, client.Message{
		Text:   strings.Join(args, " "),
		Range:  rangeWindow,
		Filter: filter,
	}, client.Handlers{
		OnMeta: func(meta services.MetaPayload) {
			fmt.Fprintf(os.Stderr, "turn %s, %d log lines (%s)\n", meta.TurnID, meta.LogRows, meta.Range)
			if meta.LogError != "" {
				fmt.Fprintf(os.Stderr, "log store: %s\n", meta.LogError)
			}
		},
		OnDelta: func(delta string) {
			fmt.Print(delta)
		},
	})
	fmt.Println()
	if err != nil {
		return err
	}

	switch result.Outcome {
	case client.OutcomeStopped:
		fmt.Fprintln(os.Stderr, "stopped")
	case client.OutcomeErrored:
		if result.Error != nil {
			return fmt.Errorf("%s (%s)", result.Error.Error, result.Error.Code)
		}
		return fmt.Errorf("the answer failed")
	}
	if result.Assistant != nil {
		fmt.Fprintf(os.Stderr, "message %d via %s\n", result.Assistant.ID, result.Transport)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	messages, err := newClient().History(cmd.Context(), serverID, limit)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		marker := ""
		if msg.Role == models.RoleAssistant && msg.Meta.Resolved {
			marker = " [resolved]"
		}
		fmt.Printf("#%d %s %s%s\n", msg.ID, msg.CreatedAt.Local().Format("02/01 15:04"), msg.Role, marker)
		fmt.Println(msg.Content)
		fmt.Println(strings.Repeat("─", 40))
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	messageID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", args[0])
	}
	reopen, _ := cmd.Flags().GetBool("reopen")
	found, err := newClient().Resolve(cmd.Context(), serverID, uint(messageID), !reopen)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("message %d is not an answer on server %d", messageID, serverID)
	}
	fmt.Printf("message %d resolved=%t\n", messageID, !reopen)
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
