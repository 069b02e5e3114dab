package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Token: "secret", Timeout: 2 * time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://x"}, zerolog.Nop()); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("missing token: err = %v, want ErrMissingCredential", err)
	}
	if _, err := New(Config{Token: "secret"}, zerolog.Nop()); err == nil {
		t.Fatal("missing base URL should fail")
	}

	c, err := New(Config{BaseURL: "http://x/", Token: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.base != "http://x" {
		t.Fatalf("base = %q, want trailing slash trimmed", c.base)
	}
}

func TestInitiate_JSONConfirmation(t *testing.T) {
	var gotAuth string
	var gotBody initiateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"ticket_id": "confirmed-1"})
	})

	ticket, err := c.Initiate(context.Background(), "alice", "r1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if ticket != "confirmed-1" {
		t.Fatalf("ticket = %q, want confirmed-1", ticket)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody.TicketID != "r1" || gotBody.UserID != "alice" {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestInitiate_PlainTextAndEmptyBodies(t *testing.T) {
	t.Run("plain text ticket", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("txt-ticket\n"))
		})
		ticket, err := c.Initiate(context.Background(), "u", "r1")
		if err != nil || ticket != "txt-ticket" {
			t.Fatalf("ticket = %q err=%v, want txt-ticket", ticket, err)
		}
	})

	t.Run("empty body echoes requested ticket", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		ticket, err := c.Initiate(context.Background(), "u", "r1")
		if err != nil || ticket != "r1" {
			t.Fatalf("ticket = %q err=%v, want r1", ticket, err)
		}
	})
}

func TestSend_PathAndBody(t *testing.T) {
	var gotPath string
	var gotBody sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	})

	if err := c.Send(context.Background(), "tick 1", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/v1/sessions/tick%201/messages" {
		t.Fatalf("path = %q, want escaped ticket", gotPath)
	}
	if gotBody.Text != "hello" {
		t.Fatalf("text = %q", gotBody.Text)
	}
}

func TestClose_UsesDelete(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
	})

	if err := c.Close(context.Background(), "t1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/sessions/t1" {
		t.Fatalf("call = %s %s", gotMethod, gotPath)
	}
}

func TestDo_NonSuccessStatusBecomesError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session backlog full", http.StatusServiceUnavailable)
	})

	err := c.Send(context.Background(), "t1", "hi")
	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ge.Op != "send" || ge.Status != http.StatusServiceUnavailable {
		t.Fatalf("error = %+v", ge)
	}
	if ge.Body == "" {
		t.Fatal("body snippet should be retained")
	}
}

func TestDo_TransportErrorIsWrapped(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Token: "secret", Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	callErr := c.Send(context.Background(), "t1", "hi")
	var ge *Error
	if !errors.As(callErr, &ge) {
		t.Fatalf("err = %v, want *Error", callErr)
	}
	if ge.Status != 0 || ge.Err == nil {
		t.Fatalf("error = %+v, want transport failure with Status 0", ge)
	}
}

func TestParseTicket(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"ticket_id field", `{"ticket_id":"a"}`, "a"},
		{"id fallback", `{"id":"b"}`, "b"},
		{"empty json", `{}`, ""},
		{"quoted text", `"c"`, "c"},
		{"bare text", "d", "d"},
		{"blank", "  ", ""},
	}
	for _, tc := range cases {
		if got := parseTicket([]byte(tc.raw)); got != tc.want {
			t.Errorf("%s: parseTicket(%q) = %q, want %q", tc.name, tc.raw, got, tc.want)
		}
	}
}
