package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the emit command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	emitType       string
	emitPayload    string
	emitInstanceID string
	emitPersonID   string
	emitGatewayURL string
	emitAPIKey     string
	emitWatch      bool
	emitTimeout    int
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Publish an event to a running gateway",
	Long: `Publish an event onto the gateway's event bus. Matching automations
run asynchronously. With --watch, the command instead follows the
gateway's event stream and prints events as they arrive.

Examples:
  omni emit -t message.received -i wa-main -p '{"text":"hello","from":{"name":"Ana"}}'
  omni emit --watch -t automation.reply

Exit codes:
  0  success
  1  request failed
  2  unauthorized or rate limited
  3  gateway unavailable`,
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVarP(&emitType, "type", "t", "", "event type (required unless --watch)")
	emitCmd.Flags().StringVarP(&emitPayload, "payload", "p", "{}", "event payload as a JSON object")
	emitCmd.Flags().StringVarP(&emitInstanceID, "instance", "i", "", "channel instance ID")
	emitCmd.Flags().StringVar(&emitPersonID, "person", "", "person ID")
	emitCmd.Flags().StringVar(&emitGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or OMNI_GATEWAY_URL env)")
	emitCmd.Flags().StringVar(&emitAPIKey, "api-key", "", "API key (or OMNI_API_KEY env)")
	emitCmd.Flags().BoolVar(&emitWatch, "watch", false, "stream events instead of publishing")
	emitCmd.Flags().IntVar(&emitTimeout, "timeout", 30, "timeout in seconds (0 = none, for --watch)")
}

func runEmit(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("OMNI_API_KEY", emitAPIKey)
	gatewayURL := strings.TrimRight(goutils.Env("OMNI_GATEWAY_URL", emitGatewayURL), "/")

	ctx := context.Background()
	if emitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(emitTimeout)*time.Second)
		defer cancel()
	}

	if emitWatch {
		return runWatch(ctx, gatewayURL, apiKey)
	}
	if emitType == "" {
		return fmt.Errorf("event type is required: use -t flag")
	}
	return runPublish(ctx, gatewayURL, apiKey)
}

func runPublish(ctx context.Context, gatewayURL, apiKey string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(emitPayload), &payload); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	reqBody, _ := json.Marshal(map[string]any{
		"type":       emitType,
		"payload":    payload,
		"instanceId": emitInstanceID,
		"personId":   emitPersonID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/events", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusAccepted {
		var accepted struct {
			EventID string `json:"eventId"`
			Type    string `json:"type"`
		}
		_ = json.Unmarshal(respBody, &accepted)
		fmt.Printf("published %s (id=%s)\n", accepted.Type, accepted.EventID)
		return nil
	}
	exitForStatus(resp.StatusCode, respBody)
	return nil
}

// runWatch follows /v1/events/stream and prints one JSON line per event.
func runWatch(ctx context.Context, gatewayURL, apiKey string) error {
	q := url.Values{}
	if emitType != "" {
		q.Set("type", emitType)
	}
	if emitInstanceID != "" {
		q.Set("instanceId", emitInstanceID)
	}
	endpoint := gatewayURL + "/v1/events/stream"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	setAuth(req, apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		exitForStatus(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data != "" {
			fmt.Println(data)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}
	return nil
}

func setAuth(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func exitForStatus(code int, body []byte) {
	switch code {
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", code)
		os.Exit(ExitUnavailable)
	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", code, string(body))
		os.Exit(ExitFailure)
	}
}
