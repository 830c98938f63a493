package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientTimeout   = 30 * time.Second
	maxRedirects    = 5
	maxResponseSize = 1 << 20 // 1 MiB, actor documents and collections
)

// Client is the single outbound federation client: every GET and POST is
// signed, rate limited, and refused early when the target resolves into a
// blocked IP range.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	blocked   []*net.IPNet
}

// NewClient builds the signed client. blockedRanges is a comma-separated
// CIDR list; unparseable entries are skipped.
func NewClient(userAgent, blockedRanges string) *Client {
	c := &Client{
		userAgent: userAgent,
		// Remote servers retry on their own schedule; a modest global
		// ceiling keeps one fan-out burst from saturating the uplink.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
	for _, raw := range strings.Split(blockedRanges, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(raw); err == nil {
			c.blocked = append(c.blocked, ipnet)
		}
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:         c.guardedDial(dialer),
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	c.http = &http.Client{
		Timeout:   clientTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return c
}

// guardedDial resolves the target and refuses blocked ranges before any
// connection is made. Every redirect hop passes through here again.
func (c *Client) guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastBlocked *BlockedIPError
		for _, ip := range ips {
			if c.ipBlocked(ip.IP) {
				lastBlocked = &BlockedIPError{Host: host, IP: ip.IP.String()}
				continue
			}
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
		}
		if lastBlocked != nil {
			return nil, lastBlocked
		}
		return nil, fmt.Errorf("no reachable address for %s", host)
	}
}

func (c *Client) ipBlocked(ip net.IP) bool {
	for _, ipnet := range c.blocked {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Get performs a signed GET expecting an ActivityPub document.
func (c *Client) Get(ctx context.Context, url, keyId string, key *rsa.PrivateKey) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, formatErrorf("build request for %s: %v", url, err)
	}
	req.Header.Set("Accept", `application/ld+json; profile="https://www.w3.org/ns/activitystreams", application/activity+json`)
	if key != nil {
		if err := SignRequest(req, nil, keyId, key); err != nil {
			return nil, err
		}
	}
	return c.do(req)
}

// Post delivers a signed activity body to an inbox URL.
func (c *Client) Post(ctx context.Context, url string, body []byte, keyId string, key *rsa.PrivateKey) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return formatErrorf("build request for %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	if err := SignRequest(req, body, keyId, key); err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &TransientError{URL: req.URL.String(), Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// A blocked range surfaces through the transport; keep it typed.
		var blocked *BlockedIPError
		if errors.As(err, &blocked) {
			return nil, blocked
		}
		return nil, &TransientError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransientError{URL: req.URL.String(), Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		return nil, &TransientError{
			URL: req.URL.String(),
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	default:
		return nil, &PermanentError{URL: req.URL.String(), Status: resp.StatusCode}
	}
}
