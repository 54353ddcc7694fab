package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender posts messages as JSON to a provider's template-send endpoint.
type HTTPSender struct {
	Endpoint      string
	APIKey        string
	SenderAddress string
	SenderName    string
	Client        *http.Client
}

func NewHTTPSender(endpoint, apiKey, senderAddress, senderName string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		SenderAddress: senderAddress,
		SenderName:    senderName,
		Client:        &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	From struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	} `json:"from"`
	To []struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	} `json:"to"`
	Subject  string            `json:"subject"`
	Template string            `json:"template_id"`
	Params   map[string]string `json:"params,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	var req sendRequest
	req.From.Email = s.SenderAddress
	req.From.Name = s.SenderName
	req.To = append(req.To, struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	}{Email: msg.To, Name: msg.ToName})
	req.Subject = msg.Subject
	req.Template = msg.TemplateRef
	req.Params = msg.Params
	req.Tags = msg.Tags

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{Error: fmt.Sprintf("429 rate limit exceeded: %s", firstNonEmpty(parsed.Error, parsed.Message))}, nil
	}
	if resp.StatusCode >= 300 {
		return Result{Error: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, firstNonEmpty(parsed.Error, parsed.Message, string(raw)))}, nil
	}
	return Result{Success: true, MessageID: parsed.MessageID}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Sender = (*HTTPSender)(nil)
