// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-livesync/httpremote"
	"github.com/mobiletoly/go-livesync/syncserver"
)

// ClientOptions holds the connection flags shared by client commands.
type ClientOptions struct {
	*RootOptions
	Server string
	Token  string
	User   string
}

func (o *ClientOptions) addFlags(cmd *cobra.Command) {
	server := os.Getenv("LIVESYNC_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&o.Server, "server", server, "server base URL (env LIVESYNC_SERVER)")
	cmd.Flags().StringVar(&o.Token, "token", os.Getenv("LIVESYNC_TOKEN"), "bearer token (env LIVESYNC_TOKEN)")
	cmd.Flags().StringVar(&o.User, "user", "", "obtain a token from the server's dev signin as this user")
}

// remote builds an httpremote client, signing in first when only a user was given.
func (o *ClientOptions) remote(ctx context.Context) (*httpremote.Client, error) {
	token := o.Token
	if token == "" {
		if o.User == "" {
			return nil, errors.New("either --token or --user is required")
		}
		var err error
		token, err = devSignin(ctx, o.Server, o.User)
		if err != nil {
			return nil, err
		}
	}
	return httpremote.New(o.Server, httpremote.StaticToken(token), &httpremote.Options{
		Logger: o.logger(os.Stderr),
	})
}

func devSignin(ctx context.Context, server, user string) (string, error) {
	body, err := json.Marshal(syncserver.SigninRequest{User: user})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(server, "/") + "/dev/signin"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to sign in: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to sign in: HTTP %d", resp.StatusCode)
	}
	var out syncserver.SigninResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode signin response: %w", err)
	}
	return out.Token, nil
}
