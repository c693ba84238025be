package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"feedrelay/models"

	"github.com/valyala/fasthttp"
)

// Client is the gateway-side handle to the coordinator.
type Client struct {
	baseURL string
	client  *fasthttp.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &fasthttp.Client{},
	}
}

// Broadcast signals the coordinator to push a freshly ingested batch to all
// live subscribers. Callers treat this as fire-and-forget; a failure only
// means currently connected subscribers miss one real-time update.
func (c *Client) Broadcast(entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	body, err := json.Marshal(models.BroadcastPayload{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/broadcast")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, 10*time.Second); err != nil {
		return fmt.Errorf("broadcast request failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("broadcast rejected with status %d", resp.StatusCode())
	}

	return nil
}

// LiveURL is the coordinator address live connections are proxied to.
func (c *Client) LiveURL() string {
	return c.baseURL + "/live"
}
