package telegram

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatbridge/internal/transport"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps Bot API failures onto the transport error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", transport.ErrAuthExpired, err)
	}

	var flood *tele.FloodError
	if errors.As(err, &flood) && flood != nil {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	msg := err.Error()
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return transport.RateLimited(err, time.Duration(n)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		switch apiErr.Code {
		case 401:
			return fmt.Errorf("%w: %v", transport.ErrAuthExpired, err)
		case 429:
			return transport.RateLimited(err, 0)
		case 400, 403, 404:
			return transport.Fatal(err)
		}
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized"):
		return fmt.Errorf("%w: %v", transport.ErrAuthExpired, err)
	case strings.Contains(lower, "too many requests"):
		return transport.RateLimited(err, 0)
	case strings.Contains(lower, "chat not found"), strings.Contains(lower, "bot was blocked"), strings.Contains(lower, "forbidden"):
		return transport.Fatal(err)
	}
	return transport.Transient(err)
}
