package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatbridge/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want transport.Class
	}{
		{"unauthorized sentinel", tele.ErrUnauthorized, transport.ClassAuth},
		{"unauthorized text", errors.New("telegram: Unauthorized (401)"), transport.ClassAuth},
		{"flood text", errors.New("telegram: retry after 12 (429)"), transport.ClassRateLimited},
		{"chat not found", errors.New("telegram: Bad Request: chat not found (400)"), transport.ClassFatal},
		{"blocked", errors.New("telegram: Forbidden: bot was blocked by the user (403)"), transport.ClassFatal},
		{"network", errors.New("dial tcp: i/o timeout"), transport.ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transport.Classify(classify(tc.err)); got != tc.want {
				t.Fatalf("class=%v want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyRetryAfterHint(t *testing.T) {
	t.Parallel()

	d, ok := transport.RetryAfterOf(classify(errors.New("telegram: retry after 12 (429)")))
	if !ok || d != 12*time.Second {
		t.Fatalf("hint=%v ok=%v", d, ok)
	}
}

func TestSendable(t *testing.T) {
	t.Parallel()

	if v, err := sendable(transport.TextPayload("hi")); err != nil || v.(string) != "hi" {
		t.Fatalf("text: %v %v", v, err)
	}
	v, err := sendable(transport.MediaPayload(transport.KindDocument, transport.Media{URL: "https://x/a.pdf", FileName: "a.pdf"}, "cap"))
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	doc, ok := v.(*tele.Document)
	if !ok || doc.FileName != "a.pdf" || doc.Caption != "cap" {
		t.Fatalf("document=%#v", v)
	}
	if _, err := sendable(transport.Payload{Kind: transport.KindPhoto}); err == nil {
		t.Fatalf("photo without media should fail")
	}
}
