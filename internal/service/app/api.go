package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"e2e_relay/internal/model"
)

func (c *App) dialRelay(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "tcp", c.cfg.ServerAddr)
}

// chatInfo fetches a chat record from the relay's HTTP listener.
func chatInfo(ctx context.Context, host string, id uint32) (*model.Chat, error) {
	u := url.URL{
		Scheme: "http",
		Host:   host,
		Path:   fmt.Sprintf("/chats/%d", id),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat %d: %s", id, resp.Status)
	}

	var chat model.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, err
	}
	return &chat, nil
}
