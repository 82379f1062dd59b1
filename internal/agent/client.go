// Package agent parle à l'agent OAuth qui tourne dans la VM navigateur.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/polydev/master-controller/internal/apperr"
	"github.com/polydev/master-controller/internal/logx"
)

// Délais entre deux tentatives quand la VM n'accepte pas encore les connexions.
var defaultRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

const maxBody = 1 << 20

// Response est la réponse brute de l'agent, relayée telle quelle au client.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

type Client struct {
	port   int
	http   *http.Client
	delays []time.Duration
}

func NewClient(port int, timeout time.Duration) *Client {
	return &Client{
		port:   port,
		http:   &http.Client{Timeout: timeout},
		delays: defaultRetryDelays,
	}
}

func (c *Client) endpoint(ip, path string, query url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(ip, strconv.Itoa(c.port)),
		Path:   path,
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// OAuthURL récupère l'URL d'autorisation capturée par l'agent.
func (c *Client) OAuthURL(ctx context.Context, ip, sessionID string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.endpoint(ip, "/oauth-url", url.Values{"sessionId": {sessionID}}), nil)
}

// OpenURL demande au navigateur de la VM d'ouvrir une URL.
func (c *Client) OpenURL(ctx context.Context, ip, sessionID, target string) (*Response, error) {
	body, err := json.Marshal(map[string]string{"url": target, "sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.endpoint(ip, "/open-url", nil), body)
}

// CredentialStatus interroge l'agent sur l'extraction des identifiants.
func (c *Client) CredentialStatus(ctx context.Context, ip, sessionID string) (*Response, error) {
	return c.do(ctx, http.MethodGet, c.endpoint(ip, "/credentials/status", url.Values{"sessionId": {sessionID}}), nil)
}

// do ne réessaie que les erreurs de connexion ; une réponse HTTP, même en
// erreur, est retournée telle quelle.
func (c *Client) do(ctx context.Context, method, target string, body []byte) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.once(ctx, method, target, body)
		if err == nil {
			return resp, nil
		}
		if attempt >= len(c.delays) || !isConnectError(err) {
			logx.Errorf("[agent] %s %s failed after %d attempt(s): %v", method, target, attempt+1, err)
			return nil, apperr.Wrap(apperr.UpstreamUnreachable, err, "browser VM agent unreachable")
		}
		logx.Warnf("[agent] %s %s failed, retrying in %s: %v", method, target, c.delays[attempt], err)
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.UpstreamUnreachable, ctx.Err(), "browser VM agent unreachable")
		case <-time.After(c.delays[attempt]):
		}
	}
}

func (c *Client) once(ctx context.Context, method, target string, body []byte) (*Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return &Response{Status: resp.StatusCode, ContentType: ct, Body: data}, nil
}

func isConnectError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
