package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harborbot/internal/gateway"
	"github.com/austindbirch/harborbot/internal/secrets"
)

const pingPayload = `{"zen":"Keep it logically awesome.","hook_id":1}`

var (
	webhookSecret   string
	webhookEvent    string
	webhookDelivery string
	webhookPayload  string
)

// delivery is a signed test delivery
type delivery struct {
	ID        string `json:"delivery_id"`
	Event     string `json:"event"`
	Signature string `json:"signature"`
	Body      []byte `json:"-"`
}

func (d delivery) headers() map[string]string {
	return map[string]string{
		gateway.DeliveryHeader:  d.ID,
		gateway.EventHeader:     d.Event,
		gateway.SignatureHeader: d.Signature,
		"Content-Type":          "application/json",
	}
}

// resolveSecret prefers --secret and falls back to the secret file
func resolveSecret() ([]byte, error) {
	if webhookSecret != "" {
		return []byte(webhookSecret), nil
	}
	if secretFile == "" {
		return nil, errors.New("no webhook secret: pass --secret or --secret-file")
	}
	store := secrets.NewStore(filepath.Dir(secretFile), map[secrets.Kind]string{secrets.KindWebhookSecret: secretFile})
	c, err := store.Load(secrets.KindWebhookSecret)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

func readPayload(in io.Reader) ([]byte, error) {
	switch webhookPayload {
	case "":
		return []byte(pingPayload), nil
	case "-":
		return io.ReadAll(in)
	default:
		return os.ReadFile(webhookPayload)
	}
}

func buildDelivery(cmd *cobra.Command) (delivery, error) {
	secret, err := resolveSecret()
	if err != nil {
		return delivery{}, err
	}
	body, err := readPayload(cmd.InOrStdin())
	if err != nil {
		return delivery{}, fmt.Errorf("failed to read payload: %w", err)
	}
	id := webhookDelivery
	if id == "" {
		id = uuid.NewString()
	}
	return delivery{ID: id, Event: webhookEvent, Signature: gateway.Sign(secret, body), Body: body}, nil
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Produce signed test deliveries for the gateway",
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the headers of a signed test delivery",
	Example: `  botctl webhook sign --secret-file ./secrets/webhook-secret --event pull_request --payload pr.json
  cat comment.json | botctl webhook sign --event issue_comment --payload -`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDelivery(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, d)
		}
		for _, h := range []string{gateway.DeliveryHeader, gateway.EventHeader, gateway.SignatureHeader} {
			fmt.Fprintf(out, "%s: %s\n", h, d.headers()[h])
		}
		return nil
	},
}

var webhookSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign a test delivery and POST it to the gateway",
	Example: `  botctl webhook send --event issue_comment --payload comment.json
  botctl webhook send --webhook-url http://localhost:8080/webhook --delivery 72d3162e-cc78-11e3-81ab-4c9367dc0958`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDelivery(cmd)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, webhookURL, bytes.NewReader(d.Body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range d.headers() {
			req.Header.Set(k, v)
		}

		client := &http.Client{Timeout: timeout}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send delivery: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Delivery %s (%s): HTTP %d\n", d.ID, d.Event, resp.StatusCode)
		if b := strings.TrimSpace(string(body)); b != "" {
			fmt.Fprintln(out, b)
		}
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("gateway answered %s", resp.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSignCmd)
	webhookCmd.AddCommand(webhookSendCmd)

	for _, c := range []*cobra.Command{webhookSignCmd, webhookSendCmd} {
		c.Flags().StringVar(&webhookSecret, "secret", "", "webhook secret (overrides --secret-file)")
		c.Flags().StringVar(&webhookEvent, "event", "ping", "event type header")
		c.Flags().StringVar(&webhookDelivery, "delivery", "", "delivery id (random when empty)")
		c.Flags().StringVar(&webhookPayload, "payload", "", "payload file, - for stdin (a ping payload when empty)")
		_ = c.RegisterFlagCompletionFunc("event", completeWebhookEvent)
	}
}
