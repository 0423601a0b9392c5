package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Sender is the external send operation consumed by the dispatcher. The
// provider is a black box: latency and failure modes behind this interface
// are exactly what the circuit breaker exists to buffer.
type Sender interface {
	SendText(ctx context.Context, phoneNumberID, destination, body string) (string, error)
}

// Client talks to the provider's messages endpoint over HTTP.
type Client struct {
	http    *resty.Client
	baseURL string
}

// NewClient creates a Client against the given API base URL, authenticating
// every request with the bearer token.
func NewClient(baseURL, token string) *Client {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		baseURL: baseURL,
	}
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers one text message and returns the provider-assigned
// message id.
func (c *Client) SendText(ctx context.Context, phoneNumberID, destination, body string) (string, error) {
	var result sendResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sendRequest{
			MessagingProduct: "whatsapp",
			To:               destination,
			Type:             "text",
			Text:             sendText{Body: body},
		}).
		SetResult(&result).
		SetError(&result).
		// The provider occasionally omits the response content type; parse
		// the body as JSON regardless.
		ForceContentType("application/json").
		Post(fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID))
	if err != nil {
		return "", fmt.Errorf("send request failed: %w", err)
	}

	if resp.IsError() {
		if result.Error != nil {
			return "", fmt.Errorf("provider rejected send (code %d): %s", result.Error.Code, result.Error.Message)
		}
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode())
	}

	if len(result.Messages) == 0 {
		return "", fmt.Errorf("provider response missing message id")
	}

	log.Debug().
		Str("destination", destination).
		Str("externalMessageID", result.Messages[0].ID).
		Msg("Message sent to provider")

	return result.Messages[0].ID, nil
}
