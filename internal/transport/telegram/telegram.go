// Package telegram implements the Telegram Bot API adapter on telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/transport"
	"chatbridge/pkg/logx"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL      string
	PollTimeout time.Duration
	HTTPTimeout time.Duration
}

// Adapter opens one bot session per account.
type Adapter struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		// Long polling holds the request open for PollTimeout.
		cfg.HTTPTimeout = cfg.PollTimeout + 10*time.Second
	}
	return &Adapter{cfg: cfg, log: log.With(logx.Component("telegram"))}
}

func (a *Adapter) Platform() transport.Platform { return transport.PlatformTelegram }

// Connect authenticates with getMe and starts long polling.
func (a *Adapter) Connect(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return nil, transport.Fatal(errors.New("telegram: token is empty"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &conn{
		accountID: creds.AccountID,
		log:       a.log.With(logx.String("account", creds.AccountID)),
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    a.cfg.APIURL,
		Token:  creds.Token,
		Poller: &tele.LongPoller{Timeout: a.cfg.PollTimeout},
		Client: &http.Client{Timeout: a.cfg.HTTPTimeout},
		OnError: func(err error, _ tele.Context) {
			c.onError(err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", classify(err))
	}
	c.bot = b
	c.live.Store(true)
	c.registerHandlers()
	c.start()

	me := ""
	if b.Me != nil {
		me = b.Me.Username
	}
	c.log.Info("bot session started", logx.String("bot", me))
	return c, nil
}

type conn struct {
	transport.Hub

	accountID string
	log       logx.Logger
	bot       *tele.Bot
	live      atomic.Bool

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func (c *conn) start() {
	sup := rtsup.New(context.Background(),
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	c.mu.Lock()
	c.sup = sup
	c.mu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.bot.Start()
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
}

func (c *conn) registerHandlers() {
	h := func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		c.Publish(c.eventFrom(m))
		return nil
	}
	for _, ep := range []string{tele.OnText, tele.OnPhoto, tele.OnVideo, tele.OnDocument, tele.OnAudio, tele.OnChannelPost} {
		c.bot.Handle(ep, h)
	}
}

func (c *conn) eventFrom(m *tele.Message) transport.Event {
	to := transport.Address{Recipient: strconv.FormatInt(m.Chat.ID, 10)}
	if m.ThreadID != 0 {
		to.Thread = strconv.Itoa(m.ThreadID)
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	outgoing := m.Sender != nil && c.bot.Me != nil && m.Sender.ID == c.bot.Me.ID
	return transport.Event{
		Kind:      transport.EventMessage,
		AccountID: c.accountID,
		Target:    to,
		MessageID: strconv.Itoa(m.ID),
		Outgoing:  outgoing,
		Text:      text,
		At:        time.Unix(m.Unixtime, 0),
	}
}

func (c *conn) onError(err error) {
	if err == nil {
		return
	}
	if transport.Classify(classify(err)) == transport.ClassAuth {
		if c.live.Swap(false) {
			c.log.Warn("bot token rejected while polling", logx.Err(err))
			c.Publish(transport.Event{Kind: transport.EventDisconnected, AccountID: c.accountID, Err: err, At: time.Now()})
		}
		return
	}
	c.log.Debug("telebot error", logx.Err(err))
}

func (c *conn) Send(ctx context.Context, to transport.Address, p transport.Payload) (transport.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return transport.SentMessage{}, err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(to.Recipient), 10, 64)
	if err != nil {
		return transport.SentMessage{}, transport.Fatal(fmt.Errorf("telegram: invalid chat id %q", to.Recipient))
	}
	opt := &tele.SendOptions{}
	if to.Thread != "" {
		tid, err := strconv.Atoi(to.Thread)
		if err != nil {
			return transport.SentMessage{}, transport.Fatal(fmt.Errorf("telegram: invalid thread id %q", to.Thread))
		}
		opt.ThreadID = tid
	}
	what, err := sendable(p)
	if err != nil {
		return transport.SentMessage{}, transport.Fatal(err)
	}

	msg, err := c.bot.Send(tele.ChatID(chatID), what, opt)
	if err != nil {
		return transport.SentMessage{}, classify(err)
	}

	sent := transport.SentMessage{ID: strconv.Itoa(msg.ID), At: time.Unix(msg.Unixtime, 0)}
	// Bots never receive their own messages as updates, so the echo is raised here.
	c.Publish(transport.Event{
		Kind:      transport.EventMessage,
		AccountID: c.accountID,
		Target:    to,
		MessageID: sent.ID,
		Outgoing:  true,
		Text:      p.Text,
		At:        sent.At,
	})
	return sent, nil
}

func sendable(p transport.Payload) (any, error) {
	if p.Kind == transport.KindText {
		return p.Text, nil
	}
	if p.Media == nil || p.Media.URL == "" {
		return nil, fmt.Errorf("telegram: %s without media url", p.Kind)
	}
	file := tele.FromURL(p.Media.URL)
	switch p.Kind {
	case transport.KindPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, nil
	case transport.KindVideo:
		return &tele.Video{File: file, Caption: p.Text}, nil
	case transport.KindDocument:
		return &tele.Document{File: file, Caption: p.Text, FileName: p.Media.FileName}, nil
	case transport.KindAudio:
		return &tele.Audio{File: file, Caption: p.Text}, nil
	default:
		return nil, fmt.Errorf("telegram: unsupported kind %q", p.Kind)
	}
}

func (c *conn) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Raw("getMe", map[string]string{}); err != nil {
		return classify(err)
	}
	return nil
}

func (c *conn) Live() bool { return c.live.Load() }

func (c *conn) Close(ctx context.Context) error {
	c.live.Store(false)
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}

	// getUpdates may still be waiting; never hold shutdown for the full poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
