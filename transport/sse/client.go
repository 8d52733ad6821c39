package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	kiterr "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/synckit"
)

// ErrDropped is returned by Subscribe when the server dropped the stream
// because the client fell behind.
var ErrDropped = errors.New("event stream dropped by server")

type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewClient creates a new SSE client for the stream at baseURL.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Client:  httpClient,
	}
}

// Subscribe streams events matching filter to handler until ctx is done, the
// server ends the stream, or handler returns an error.
func (c *Client) Subscribe(ctx context.Context, filter synckit.EventFilter, handler func(synckit.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+filterQuery(filter).Encode(), nil)
	if err != nil {
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindTransient, err, "http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := kiterr.KindTransient
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = kiterr.KindUnauthorized
		case http.StatusBadRequest:
			kind = kiterr.KindInvalid
		}
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kind, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	var eventName string
	var data []byte
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if eventName == EventDropped {
				return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindTransient, ErrDropped)
			}
			if len(data) > 0 {
				var ev synckit.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindInvalid, err, "decode payload")
				}
				if err := handler(ev); err != nil {
					return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), err, "handler")
				}
			}
			eventName, data = "", nil
		case bytes.HasPrefix(line, []byte(":")):
			// comment or heartbeat
		case bytes.HasPrefix(line, []byte("event: ")):
			eventName = string(bytes.TrimPrefix(line, []byte("event: ")))
		case bytes.HasPrefix(line, []byte("data: ")):
			data = append(data, bytes.TrimPrefix(line, []byte("data: "))...)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil && !strings.Contains(err.Error(), "context canceled") {
		return kiterr.E(kiterr.Op("sse.Subscribe"), kiterr.Component("transport/sse"), kiterr.KindTransient, err, "scan")
	}
	return nil
}

func filterQuery(f synckit.EventFilter) url.Values {
	q := url.Values{}
	if f.EntityType != synckit.EntityUnknown {
		q.Set("entityType", f.EntityType.String())
	}
	if f.EntityID != "" {
		q.Set("entityId", f.EntityID)
	}
	if f.MarketplaceID != "" {
		q.Set("marketplaceId", f.MarketplaceID)
	}
	if len(f.Types) > 0 {
		names := make([]string, len(f.Types))
		for i, t := range f.Types {
			names[i] = string(t)
		}
		q.Set("types", strings.Join(names, ","))
	}
	return q
}
