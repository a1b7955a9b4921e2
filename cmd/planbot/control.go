package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/planbot-dev/planbot/pkg/provider"
	"github.com/planbot-dev/planbot/pkg/provider/webhook"
)

// controlClient talks to the webhook server of a running engine, signing
// requests with the shared secret.
type controlClient struct {
	base   string
	secret string
	http   *http.Client
}

func newControlClient(server string) *controlClient {
	return &controlClient{
		base:   strings.TrimRight(server, "/"),
		secret: os.Getenv("PLANBOT_WEBHOOK_SECRET"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *controlClient) do(method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign([]byte(c.secret), body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the engine running? %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// planIDForTicket resolves a ticket id to its pending plan id via the
// engine's status endpoint.
func (c *controlClient) planIDForTicket(ticketID string) (string, error) {
	var status struct {
		PendingApprovals []provider.ApprovalRequest `json:"pendingApprovals"`
	}
	if err := c.do(http.MethodGet, "/status", nil, &status); err != nil {
		return "", err
	}
	for _, req := range status.PendingApprovals {
		if req.TicketID == ticketID {
			return req.PlanID, nil
		}
	}
	return "", fmt.Errorf("no pending approval for ticket %s", ticketID)
}

func addServerFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVar(server, "server", getEnv("PLANBOT_SERVER", "http://127.0.0.1:8321"), "webhook address of the running engine")
}

func newApproveCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "approve <ticket-id>",
		Short: "Approve the pending plan for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient(server)
			planID, err := client.planIDForTicket(args[0])
			if err != nil {
				return err
			}
			if err := client.do(http.MethodPost, "/approve", map[string]any{
				"planId":      planID,
				"approved":    true,
				"respondedBy": "cli",
			}, nil); err != nil {
				return err
			}
			fmt.Printf("approved %s\n", args[0])
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newRejectCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "reject <ticket-id> [reason...]",
		Short: "Reject the pending plan; a reason triggers a plan revision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient(server)
			planID, err := client.planIDForTicket(args[0])
			if err != nil {
				return err
			}
			reason := strings.Join(args[1:], " ")
			if err := client.do(http.MethodPost, "/approve", map[string]any{
				"planId":          planID,
				"approved":        false,
				"rejectionReason": reason,
				"respondedBy":     "cli",
			}, nil); err != nil {
				return err
			}
			if reason == "" {
				fmt.Printf("rejected %s (ticket will be skipped)\n", args[0])
			} else {
				fmt.Printf("rejected %s with feedback\n", args[0])
			}
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}

func newRespondCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "respond <question-id> <answer...>",
		Short: "Answer a pending question from the assistant",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newControlClient(server)
			if err := client.do(http.MethodPost, "/respond", map[string]any{
				"questionId":  args[0],
				"answer":      strings.Join(args[1:], " "),
				"respondedBy": "cli",
			}, nil); err != nil {
				return err
			}
			fmt.Printf("answered %s\n", args[0])
			return nil
		},
	}
	addServerFlag(cmd, &server)
	return cmd
}
