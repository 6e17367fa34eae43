// Package discord implements a REST-only Discord bot adapter.
//
// Sessions are HTTP based: Connect validates the token, Send posts channel
// messages and Probe re-validates the token. Inbound gateway traffic is not
// consumed; the adapter raises the self-sent echo for every delivered message.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

const (
	DefaultAPIURL = "https://discord.com/api/v10"
	contentLimit  = 2000
)

type Config struct {
	APIURL  string
	Timeout time.Duration
	// UserAgent is required by Discord for bot traffic.
	UserAgent string
}

type Adapter struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Adapter {
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "DiscordBot (chatbridge, 1.0)"
	}
	return &Adapter{cfg: cfg, log: log.With(logx.Component("discord"))}
}

func (a *Adapter) Platform() transport.Platform { return transport.PlatformDiscord }

func (a *Adapter) Connect(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return nil, transport.Fatal(errors.New("discord: token is empty"))
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(a.cfg.APIURL, "/")).
		SetTimeout(a.cfg.Timeout).
		SetHeader("Authorization", "Bot "+strings.TrimSpace(creds.Token)).
		SetHeader("User-Agent", a.cfg.UserAgent).
		SetHeader("Content-Type", "application/json")

	c := &conn{
		accountID: creds.AccountID,
		client:    client,
		log:       a.log.With(logx.String("account", creds.AccountID)),
	}
	me, err := c.me(ctx)
	if err != nil {
		return nil, fmt.Errorf("discord: connect: %w", err)
	}
	c.botID = me.ID
	c.live.Store(true)
	c.log.Info("bot session started", logx.String("bot", me.Username))
	return c, nil
}

type conn struct {
	transport.Hub

	accountID string
	botID     string
	client    *resty.Client
	log       logx.Logger
	live      atomic.Bool
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type apiError struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

type embed struct {
	Image *embedImage `json:"image,omitempty"`
}

type embedImage struct {
	URL string `json:"url"`
}

type createMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *conn) me(ctx context.Context) (user, error) {
	var out user
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/users/@me")
	if err != nil {
		return user{}, transport.Transient(err)
	}
	if resp.IsError() {
		return user{}, statusError(resp, apiErr)
	}
	return out, nil
}

func (c *conn) Send(ctx context.Context, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	channel := strings.TrimSpace(to.Recipient)
	// Threads are channels of their own.
	if to.Thread != "" {
		channel = strings.TrimSpace(to.Thread)
	}
	if channel == "" {
		return transport.SentMessage{}, transport.Fatal(errors.New("discord: channel id is empty"))
	}
	body, err := buildMessage(p)
	if err != nil {
		return transport.SentMessage{}, transport.Fatal(err)
	}

	var out message
	var apiErr apiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("channel", channel).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/channels/{channel}/messages")
	if err != nil {
		return transport.SentMessage{}, transport.Transient(err)
	}
	if resp.IsError() {
		err := statusError(resp, apiErr)
		if transport.Classify(err) == transport.ClassAuth {
			c.markDown(err)
		}
		return transport.SentMessage{}, err
	}

	at := out.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	sent := transport.SentMessage{ID: out.ID, At: at}
	c.Publish(transport.Event{
		Kind:      transport.EventMessage,
		AccountID: c.accountID,
		Target:    to,
		MessageID: out.ID,
		Outgoing:  true,
		Text:      p.Text,
		At:        at,
	})
	return sent, nil
}

func buildMessage(p transport.Payload) (createMessage, error) {
	var m createMessage
	switch p.Kind {
	case transport.KindText:
		m.Content = p.Text
	case transport.KindPhoto:
		if p.Media == nil || p.Media.URL == "" {
			return m, errors.New("discord: photo without media url")
		}
		m.Content = p.Text
		m.Embeds = []embed{{Image: &embedImage{URL: p.Media.URL}}}
	case transport.KindVideo, transport.KindDocument, transport.KindAudio:
		if p.Media == nil || p.Media.URL == "" {
			return m, fmt.Errorf("discord: %s without media url", p.Kind)
		}
		// Discord unfurls linked media inline.
		if p.Text != "" {
			m.Content = p.Text + "\n" + p.Media.URL
		} else {
			m.Content = p.Media.URL
		}
	default:
		return m, fmt.Errorf("discord: unsupported kind %q", p.Kind)
	}
	if utf8.RuneCountInString(m.Content) > contentLimit {
		return m, fmt.Errorf("discord: content exceeds %d characters", contentLimit)
	}
	return m, nil
}

func statusError(resp *resty.Response, apiErr apiError) error {
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	err := fmt.Errorf("discord: %s (http %d)", msg, resp.StatusCode())
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", transport.ErrAuthExpired, err)
	case code == http.StatusTooManyRequests:
		after := time.Duration(apiErr.RetryAfter * float64(time.Second))
		if after <= 0 {
			if s, perr := strconv.ParseFloat(resp.Header().Get("Retry-After"), 64); perr == nil {
				after = time.Duration(s * float64(time.Second))
			}
		}
		return transport.RateLimited(err, after)
	case code >= 500:
		return transport.Transient(err)
	default:
		return transport.Fatal(err)
	}
}

func (c *conn) markDown(err error) {
	if c.live.Swap(false) {
		c.log.Warn("bot token rejected", logx.Err(err))
		c.Publish(transport.Event{Kind: transport.EventDisconnected, AccountID: c.accountID, Err: err, At: time.Now()})
	}
}

func (c *conn) Probe(ctx context.Context) error {
	_, err := c.me(ctx)
	if err != nil && transport.Classify(err) == transport.ClassAuth {
		c.markDown(err)
	}
	return err
}

func (c *conn) Live() bool { return c.live.Load() }

func (c *conn) Close(ctx context.Context) error {
	c.live.Store(false)
	return nil
}
