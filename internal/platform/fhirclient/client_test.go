package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/chartseed/internal/platform/fhir"
)

type fakeTokens struct {
	token     string
	refreshed string
	refreshes int
}

func (f *fakeTokens) Token(context.Context) (string, error) { return f.token, nil }

func (f *fakeTokens) Refresh(context.Context) (string, error) {
	f.refreshes++
	f.token = f.refreshed
	return f.token, nil
}

func TestCreate_Success(t *testing.T) {
	var gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fhir/DocumentReference" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotBody, _ = body["resourceType"].(string)
		w.Header().Set("Location", "http://"+r.Host+"/fhir/DocumentReference/doc-123/_history/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/fhir/", &fakeTokens{token: "t1"})
	id, err := c.Create(context.Background(), "DocumentReference", map[string]string{"resourceType": "DocumentReference"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "doc-123" {
		t.Errorf("expected doc-123, got %q", id)
	}
	if gotAuth != "Bearer t1" || gotType != "application/json" || gotBody != "DocumentReference" {
		t.Errorf("unexpected request: auth=%q type=%q body=%q", gotAuth, gotType, gotBody)
	}
}

func TestCreate_RefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Location", "/Patient/c-abc")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	c := NewClient(srv.URL, tokens)
	id, err := c.Create(context.Background(), "Patient", map[string]string{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "c-abc" || tokens.refreshes != 1 || calls != 2 {
		t.Errorf("id=%q refreshes=%d calls=%d", id, tokens.refreshes, calls)
	}
}

func TestCreate_Second401IsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "token rejected", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "a", refreshed: "b"}
	c := NewClient(srv.URL, tokens)
	_, err := c.Create(context.Background(), "Patient", map[string]string{})

	var se *SubmissionError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected a 401 SubmissionError, got %v", err)
	}
	if calls != 2 || tokens.refreshes != 1 {
		t.Errorf("expected exactly 2 attempts and 1 refresh, got %d and %d", calls, tokens.refreshes)
	}
}

func TestCreate_ErrorMessageStripped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, "{\r\n  \"issue\": \"bad date\"\r\n}\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{token: "t"})
	_, err := c.Create(context.Background(), "Condition", map[string]string{})
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if se.Status != 422 || se.CorrelationID != "req-42" {
		t.Errorf("unexpected error %+v", se)
	}
	if strings.ContainsAny(se.Message, "\r\n") || se.Message != `{  "issue": "bad date"}` {
		t.Errorf("message not stripped: %q", se.Message)
	}
	if !strings.Contains(err.Error(), "HTTP 422") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestCreate_NoLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{token: "t"})
	if _, err := c.Create(context.Background(), "Patient", map[string]string{}); !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation, got %v", err)
	}
}

func TestCreate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{token: "t"}, WithTimeout(20*time.Millisecond))
	_, err := c.Create(context.Background(), "Patient", map[string]string{})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		t.Errorf("a transport failure is not a SubmissionError: %v", err)
	}
}

func TestNewClient_TimeoutLeavesCallerClientAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	orders := map[string]func(*http.Client) []Option{
		"client then timeout": func(hc *http.Client) []Option {
			return []Option{WithHTTPClient(hc), WithTimeout(20 * time.Millisecond)}
		},
		"timeout then client": func(hc *http.Client) []Option {
			return []Option{WithTimeout(20 * time.Millisecond), WithHTTPClient(hc)}
		},
	}
	for name, opts := range orders {
		t.Run(name, func(t *testing.T) {
			shared := &http.Client{Timeout: time.Minute}
			c := NewClient(srv.URL, &fakeTokens{token: "t"}, opts(shared)...)
			if shared.Timeout != time.Minute {
				t.Errorf("caller's client timeout changed to %s", shared.Timeout)
			}
			if _, err := c.Create(context.Background(), "Patient", map[string]string{}); err == nil {
				t.Error("expected the configured timeout to apply")
			}
		})
	}
}

func TestSearch_FollowsNextLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("identifier") != "urn:mrn|" {
			t.Errorf("identifier param lost on %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		var b *fhir.Bundle
		switch r.URL.Query().Get("_offset") {
		case "":
			b = fhir.NewSearchBundle([]json.RawMessage{json.RawMessage(`{"resourceType":"Patient","id":"a"}`)}, 3,
				[]fhir.BundleLink{{Relation: "next", URL: "Patient?identifier=urn%3Amrn%7C&_offset=1"}})
		case "1":
			b = fhir.NewSearchBundle([]json.RawMessage{json.RawMessage(`{"resourceType":"Patient","id":"b"}`)}, 3,
				[]fhir.BundleLink{{Relation: "next", URL: "http://" + r.Host + "/Patient?identifier=urn%3Amrn%7C&_offset=2"}})
		default:
			b = fhir.NewSearchBundle([]json.RawMessage{json.RawMessage(`{"resourceType":"Patient","id":"c"}`)}, 3, nil)
		}
		json.NewEncoder(w).Encode(b)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{token: "t"})
	var pages, entries int
	err := c.Search(context.Background(), "Patient", map[string]string{"identifier": "urn:mrn|"}, func(b *fhir.Bundle) error {
		pages++
		entries += len(b.Entry)
		return nil
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if pages != 3 || entries != 3 {
		t.Errorf("expected 3 pages with 3 entries, got %d and %d", pages, entries)
	}
}

func TestSearch_RepeatedNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := fhir.NewSearchBundle(nil, 0, []fhir.BundleLink{{Relation: "next", URL: "http://" + r.Host + "/Patient"}})
		json.NewEncoder(w).Encode(b)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{token: "t"})
	err := c.Search(context.Background(), "Patient", nil, func(*fhir.Bundle) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "repeats") {
		t.Errorf("expected a loop error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ClientCredentials
// ---------------------------------------------------------------------------

func TestClientCredentials(t *testing.T) {
	var issued int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "app" || r.Form.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := atomic.AddInt32(&issued, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	defer srv.Close()

	cc := NewClientCredentials(srv.URL+"/auth/token/", "app", "s3cret", srv.Client())
	ctx := context.Background()

	tok, err := cc.Token(ctx)
	if err != nil || tok != "tok-1" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	if tok, _ = cc.Token(ctx); tok != "tok-1" {
		t.Errorf("expected cached token, got %q", tok)
	}
	if tok, _ = cc.Refresh(ctx); tok != "tok-2" {
		t.Errorf("expected a fresh token, got %q", tok)
	}

	bad := NewClientCredentials(srv.URL+"/auth/token/", "app", "wrong", srv.Client())
	if _, err := bad.Token(ctx); err == nil {
		t.Error("expected an error for rejected credentials")
	}
}
