package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitAgent        string
	submitUser         string
	submitConversation string
	submitAddr         string
	submitRequestID    string
	submitJSON         bool
	submitTimeout      time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit [message]",
	Short: "Submit a turn to a running gateway",
	Long: `Send a turn.submit request to a running gateway and print the reply.
Omit --conversation to start a new conversation; the minted identity is
printed so follow-up turns can pass it back.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitAgent, "agent", "", "agent id (required)")
	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id (required)")
	submitCmd.Flags().StringVar(&submitConversation, "conversation", "", "conversation id to continue")
	submitCmd.Flags().StringVar(&submitAddr, "addr", "", "gateway host:port (default from config)")
	submitCmd.Flags().StringVar(&submitRequestID, "request-id", "", "idempotency key; retries with the same key replay the reply")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print the raw result as JSON")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "how long to wait for the reply")
	_ = submitCmd.MarkFlagRequired("agent")
	_ = submitCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(submitCmd)
}

type submitResult struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	Recovered      bool   `json:"recovered"`
	ToolCalls      []struct {
		Name    string `json:"name"`
		Outcome string `json:"outcome"`
	} `json:"tool_calls"`
	Diagnostics []string `json:"diagnostics"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	addr := submitAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	}

	params := map[string]interface{}{
		"agent_id": submitAgent,
		"user_id":  submitUser,
		"message":  strings.Join(args, " "),
	}
	if submitConversation != "" {
		params["conversation_id"] = submitConversation
	}
	if submitRequestID != "" {
		params["request_id"] = submitRequestID
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := callGateway(ctx, addr, "turn.submit", params, &raw); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if submitJSON {
		fmt.Fprintln(out, string(raw))
		return nil
	}

	var result submitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode turn result: %w", err)
	}
	fmt.Fprintln(out, result.Text)
	fmt.Fprintf(out, "\nconversation: %s\n", result.ConversationID)
	if result.Recovered {
		fmt.Fprintln(out, "note: the backend session was lost and replaced; use the conversation id above")
	}
	for _, tc := range result.ToolCalls {
		fmt.Fprintf(out, "tool: %s (%s)\n", tc.Name, tc.Outcome)
	}
	for _, d := range result.Diagnostics {
		fmt.Fprintf(out, "diagnostic: %s\n", d)
	}
	return nil
}
