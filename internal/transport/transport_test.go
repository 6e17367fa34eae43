package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"plain", base, ClassTransient},
		{"transient", Transient(base), ClassTransient},
		{"fatal", Fatal(base), ClassFatal},
		{"auth", fmt.Errorf("connect: %w", ErrAuthExpired), ClassAuth},
		{"rate", RateLimited(base, 3*time.Second), ClassRateLimited},
		{"wrapped rate", fmt.Errorf("send: %w", RateLimited(base, time.Second)), ClassRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify=%v want %v", got, tc.want)
			}
		})
	}
}

func TestRetryAfterOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("x: %w", RateLimited(errors.New("slow down"), 7*time.Second))
	d, ok := RetryAfterOf(err)
	if !ok || d != 7*time.Second {
		t.Fatalf("RetryAfterOf=%v,%v", d, ok)
	}
	if !IsTransient(err) {
		t.Fatalf("rate limits are retryable")
	}
	if IsTransient(Fatal(errors.New("gone"))) {
		t.Fatalf("fatal is not transient")
	}
}

func TestPayloadValidate(t *testing.T) {
	t.Parallel()

	ok := []Payload{
		TextPayload("hi"),
		MediaPayload(KindPhoto, Media{URL: "https://x/y.png"}, ""),
	}
	for _, p := range ok {
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate(%+v)=%v", p, err)
		}
	}
	bad := []Payload{
		TextPayload("  "),
		{Kind: KindVideo},
		{Kind: "sticker", Text: "x"},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("expected error for %+v", p)
		}
	}
}

func TestAddressKey(t *testing.T) {
	t.Parallel()

	if k := (Address{Recipient: "42"}).Key(); k != "42" {
		t.Fatalf("key=%q", k)
	}
	if k := (Address{Recipient: "42", Thread: "7"}).Key(); k != "42/7" {
		t.Fatalf("key=%q", k)
	}
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	var h Hub
	var got []string
	cancel := h.Subscribe(func(ev Event) { got = append(got, ev.MessageID) })
	h.Publish(Event{MessageID: "1"})
	cancel()
	cancel()
	h.Publish(Event{MessageID: "2"})
	if len(got) != 1 || got[0] != "1" {
		t.Fatalf("got=%v", got)
	}
	if h.Len() != 0 {
		t.Fatalf("len=%d", h.Len())
	}
}

func TestParseMessageKind(t *testing.T) {
	t.Parallel()

	if k, err := ParseMessageKind(""); err != nil || k != KindText {
		t.Fatalf("empty -> %v %v", k, err)
	}
	if k, err := ParseMessageKind("PHOTO"); err != nil || k != KindPhoto {
		t.Fatalf("PHOTO -> %v %v", k, err)
	}
	if _, err := ParseMessageKind("gif"); err == nil {
		t.Fatalf("gif should fail")
	}
}
