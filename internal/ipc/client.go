package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Client drives the loopback server from the plugin side: framed RPC
// plus the manifest/license proxy endpoints.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the server at addr ("127.0.0.1:<port>").
func NewClient(addr string) *Client {
	return &Client{base: "http://" + addr, http: &http.Client{}}
}

// Call invokes family/fn with the given arguments. When result is
// non-nil the reply payload is decoded into it.
func (c *Client) Call(ctx context.Context, family, fn string, result any, args ...any) error {
	encoded, err := encodeArgs(args...)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := writeFrame(&body, callFrame{Method: fn, Args: encoded}); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/"+family+"/"+fn, &body)
	if err != nil {
		return fmt.Errorf("ipc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ipc: call %s/%s: %w", family, fn, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ipc: call %s/%s: status %d: %s",
			family, fn, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var reply replyFrame
	if err := readFrame(resp.Body, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if result != nil && reply.Result != nil {
		if err := cbor.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("ipc: decode result: %w", err)
		}
	}
	return nil
}

// Manifest fetches the DASH MPD for videoID through the proxy endpoint.
func (c *Client) Manifest(ctx context.Context, videoID int64, challengeB64, sessionID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/manifest?videoid="+strconv.FormatInt(videoID, 10), nil)
	if err != nil {
		return nil, err
	}
	if challengeB64 != "" {
		req.Header.Set("challengeB64", challengeB64)
	}
	if sessionID != "" {
		req.Header.Set("sessionId", sessionID)
	}
	return c.proxyDo(req)
}

// License exchanges raw challenge bytes for raw license bytes.
func (c *Client) License(ctx context.Context, videoID int64, challenge []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/license?videoid="+strconv.FormatInt(videoID, 10),
		bytes.NewReader(challenge))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.proxyDo(req)
}

func (c *Client) proxyDo(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipc: %s: status %d: %s",
			req.URL.Path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
