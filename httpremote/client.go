// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpremote is a livesync.Remote that talks to a syncserver over
// HTTP, with change events streamed over a websocket.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-livesync/livesync"
	"github.com/mobiletoly/go-livesync/syncserver"
)

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Options tune the client. The zero value is usable.
type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// ReadTimeout bounds the silence tolerated on a change stream. Server
	// pings reset it.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Client implements livesync.Remote against a syncserver.
type Client struct {
	base        *url.URL
	token       TokenSource
	http        *http.Client
	dialer      *websocket.Dialer
	readTimeout time.Duration
	logger      *slog.Logger
}

var _ livesync.Remote = (*Client)(nil)

func New(baseURL string, token TokenSource, opts *Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}
	if token == nil {
		return nil, errors.New("token source is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	c := &Client{
		base:        base,
		token:       token,
		http:        opts.HTTPClient,
		dialer:      opts.Dialer,
		readTimeout: opts.ReadTimeout,
		logger:      opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.readTimeout <= 0 {
		c.readTimeout = 90 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *Client) FetchAll(ctx context.Context, collection string) ([]livesync.Row, error) {
	var rows []livesync.Row
	if err := c.call(ctx, livesync.OpFetchAll, collection, http.MethodGet, "", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) UpsertOne(ctx context.Context, collection string, row livesync.Row) error {
	if row.ID == "" {
		return fmt.Errorf("row has an empty id")
	}
	return c.call(ctx, livesync.OpUpsertOne, collection, http.MethodPut, "/rows/"+url.PathEscape(row.ID), row, nil)
}

func (c *Client) DeleteOne(ctx context.Context, collection string, id string) error {
	return c.call(ctx, livesync.OpDeleteOne, collection, http.MethodDelete, "/rows/"+url.PathEscape(id), nil, nil)
}

func (c *Client) BulkUpsert(ctx context.Context, collection string, rows []livesync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return c.call(ctx, livesync.OpBulkUpsert, collection, http.MethodPost, "/upsert",
		syncserver.UpsertRequest{Rows: rows}, nil)
}

func (c *Client) BulkDelete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, livesync.OpBulkDelete, collection, http.MethodPost, "/delete",
		syncserver.DeleteRequest{IDs: ids}, nil)
}

// collectionURL returns the endpoint for collection plus suffix. suffix must
// already be escaped.
func (c *Client) collectionURL(collection, suffix string) string {
	u := *c.base
	raw := u.EscapedPath() + "/v1/collections/" + url.PathEscape(collection) + suffix
	if path, err := url.PathUnescape(raw); err == nil {
		u.Path = path
		u.RawPath = raw
	}
	return u.String()
}

func (c *Client) call(ctx context.Context, op, collection, method, suffix string, in, out any) error {
	if err := livesync.ValidateCollectionName(collection); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.collectionURL(collection, suffix), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req.Header); err != nil {
		return livesync.NewRemoteError(op, collection, livesync.ErrTransient, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return livesync.NewRemoteError(op, collection, livesync.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(op, collection, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return livesync.NewRemoteError(op, collection, livesync.ErrTransient,
			fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, h http.Header) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}
