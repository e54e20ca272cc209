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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	svix "github.com/svix/svix-webhooks/go"
)

var smokeOpts struct {
	baseURL       string
	email         string
	password      string
	webhookSecret string
	wait          time.Duration
}

// smokeCmd exercises a running server end to end: health, operator login, a
// signed Clerk webhook, deduplication and the resulting user row.
var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run an end-to-end check against a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		c := &smokeClient{base: strings.TrimRight(smokeOpts.baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}

		fmt.Fprintln(out, "1. Checking health...")
		if _, err := c.do(http.MethodGet, "/healthz", nil, nil, http.StatusOK); err != nil {
			return err
		}

		fmt.Fprintln(out, "2. Logging in...")
		var login struct {
			Token string `json:"token"`
		}
		body, err := c.do(http.MethodPost, "/auth/login", map[string]string{
			"email": smokeOpts.email, "password": smokeOpts.password,
		}, nil, http.StatusOK)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &login); err != nil {
			return err
		}
		c.token = login.Token

		fmt.Fprintln(out, "3. Sending signed user.created webhook...")
		signer, err := svix.NewWebhook(smokeOpts.webhookSecret)
		if err != nil {
			return err
		}
		externalID := "user_smoke_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		email := externalID + "@example.com"
		payload, err := json.Marshal(map[string]any{
			"type":   "user.created",
			"object": "event",
			"data": map[string]any{
				"id":                       externalID,
				"first_name":               "Smoke",
				"last_name":                "Test",
				"primary_email_address_id": "idn_smoke",
				"email_addresses":          []map[string]string{{"id": "idn_smoke", "email_address": email}},
			},
		})
		if err != nil {
			return err
		}
		msgID := "msg_" + uuid.NewString()
		if _, err := c.webhook(signer, msgID, payload, http.StatusOK, http.StatusAccepted); err != nil {
			return err
		}

		fmt.Fprintln(out, "4. Re-sending the same delivery...")
		body, err = c.webhook(signer, msgID, payload, http.StatusOK)
		if err != nil {
			return err
		}
		if !bytes.Contains(body, []byte(`"duplicate"`)) {
			return fmt.Errorf("expected duplicate response, got %s", body)
		}

		fmt.Fprintln(out, "5. Waiting for the user to appear...")
		deadline := time.Now().Add(smokeOpts.wait)
		for {
			var page struct {
				Total int `json:"total"`
			}
			body, err := c.do(http.MethodGet, "/api/v1/users?search="+email, nil, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return err
			}
			if page.Total == 1 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("user %s not synced after %s", email, smokeOpts.wait)
			}
			time.Sleep(500 * time.Millisecond)
		}

		fmt.Fprintln(out, "OK")
		return nil
	},
}

func init() {
	f := smokeCmd.Flags()
	f.StringVar(&smokeOpts.baseURL, "base-url", "http://localhost:8080", "server base URL")
	f.StringVar(&smokeOpts.email, "email", "", "operator email")
	f.StringVar(&smokeOpts.password, "password", "", "operator password")
	f.StringVar(&smokeOpts.webhookSecret, "webhook-secret", os.Getenv("CLERK_WEBHOOK_SECRET"), "Clerk signing secret (whsec_...)")
	f.DurationVar(&smokeOpts.wait, "wait", 15*time.Second, "how long to wait for the sync")
	_ = smokeCmd.MarkFlagRequired("email")
	_ = smokeCmd.MarkFlagRequired("password")
}

type smokeClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *smokeClient) webhook(signer *svix.Webhook, msgID string, payload []byte, want ...int) ([]byte, error) {
	now := time.Now()
	sig, err := signer.Sign(msgID, now, payload)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("svix-id", msgID)
	headers.Set("svix-timestamp", fmt.Sprint(now.Unix()))
	headers.Set("svix-signature", sig)
	return c.do(http.MethodPost, "/webhooks/clerk", json.RawMessage(payload), headers, want...)
}

func (c *smokeClient) do(method, path string, in any, headers http.Header, want ...int) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, data)
}
