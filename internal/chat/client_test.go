package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		Token:     "tok",
		ChannelID: "chan1",
		BaseURL:   srv.URL,
	}, slog.Default())
}

func TestFetchAfterPagesForward(t *testing.T) {
	t.Parallel()

	page := 0
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/chan1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "tok" {
			t.Error("missing auth header")
		}

		page++
		switch page {
		case 1:
			if got := r.URL.Query().Get("after"); got != "100" {
				t.Errorf("after = %q, want 100", got)
			}
			// Full page (limit 2) forces another fetch.
			json.NewEncoder(w).Encode([]Message{
				{ID: "102", Content: "b"},
				{ID: "101", Content: "a"},
			})
		case 2:
			if got := r.URL.Query().Get("after"); got != "102" {
				t.Errorf("second page after = %q, want 102", got)
			}
			json.NewEncoder(w).Encode([]Message{{ID: "103", Content: "c"}})
		default:
			t.Error("unexpected third fetch")
		}
	})

	msgs, err := c.FetchAfter(context.Background(), "100", 2)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"101", "102", "103"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %s, want %s (ascending order)", i, msgs[i].ID, want)
		}
	}
}

func TestFetchAfterHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after": 0.05}`)
			return
		}
		json.NewEncoder(w).Encode([]Message{{ID: "1"}})
	})

	start := time.Now()
	msgs, err := c.FetchAfter(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("FetchAfter: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("retried after %s, expected the 0.05s+0.25s cooldown", elapsed)
	}
}

func TestFetchMessage(t *testing.T) {
	t.Parallel()

	c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/chan1/messages/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Message{ID: "42", Content: "edited signal"})
	})

	msg, err := c.FetchMessage(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if msg.Content != "edited signal" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestMessageTextFlattensEmbeds(t *testing.T) {
	t.Parallel()

	msg := Message{
		Content: "head",
		Embeds: []Embed{
			{
				Title:       "BARD SHORT Signal",
				Description: "Enter on Trigger: $0.92",
				Fields: []EmbedField{
					{Name: "TP1", Value: "$0.91218"},
				},
			},
		},
	}
	msg.Embeds[0].Footer.Text = "AWAITING ENTRY"

	text := msg.Text()
	for _, part := range []string{"head", "BARD SHORT Signal", "Enter on Trigger: $0.92", "TP1", "$0.91218", "AWAITING ENTRY"} {
		if !strings.Contains(text, part) {
			t.Errorf("text missing %q:\n%s", part, text)
		}
	}
}

func TestMessageTimeParsesISO(t *testing.T) {
	t.Parallel()

	msg := Message{Timestamp: "2026-08-01T12:34:56.123456+00:00"}
	ts := msg.Time()
	if ts.IsZero() {
		t.Fatal("timestamp failed to parse")
	}
	if ts.Hour() != 12 || ts.Minute() != 34 {
		t.Errorf("parsed = %s", ts)
	}

	if !(Message{}).Time().IsZero() {
		t.Error("absent timestamp must be the zero time")
	}
}
