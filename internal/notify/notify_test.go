package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"retinalab/pkg/domain"
	"retinalab/pkg/queue"
)

func TestNotifySendsPayload(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" || r.Header.Get("Connect-Protocol-Version") != "1" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Notify(context.Background(), "  Заголовок ", " текст "); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Title != "Заголовок" || got.Content != "текст" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNotifyValidation(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1", "key")
	cases := [][2]string{
		{"", "content"},
		{"title", "  "},
		{strings.Repeat("т", TitleMaxLength+1), "content"},
		{"title", strings.Repeat("x", ContentMaxLength+1)},
	}
	for _, tc := range cases {
		if err := c.Notify(context.Background(), tc[0], tc[1]); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %q/%q, got %v", tc[0][:min(len(tc[0]), 10)], tc[1][:min(len(tc[1]), 10)], err)
		}
	}
	if _, err := NewClient("", "key"); err == nil {
		t.Fatalf("expected endpoint validation error")
	}
}

func TestNotifyNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "key")
	if err := c.Notify(context.Background(), "t", "c"); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMessage(t *testing.T) {
	study := domain.Study{ID: "s1", Title: "Правый глаз", StudyType: domain.StudyMacularAnalysis}

	if _, _, ok := Message(queue.NewStudyEvent(queue.EventAnalysisStarted, study, "")); ok {
		t.Fatalf("analysis start must not notify")
	}
	title, content, ok := Message(queue.NewStudyEvent(queue.EventAnalysisFailed, study, "analysis timed out"))
	if !ok || !strings.Contains(title, "Правый глаз") || !strings.Contains(content, "analysis timed out") {
		t.Fatalf("unexpected failure message %q / %q", title, content)
	}

	study.Title = strings.Repeat("я", 2000)
	title, _, ok = Message(queue.NewStudyEvent(queue.EventAnalysisCompleted, study, ""))
	if !ok || utf8.RuneCountInString(title) != TitleMaxLength {
		t.Fatalf("title not truncated: %d runes", utf8.RuneCountInString(title))
	}
}

func TestHandlerRetriesOnlyTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "key")
	h := Handler(c)
	ev := queue.NewStudyEvent(queue.EventAnalysisCompleted, domain.Study{ID: "s1", Title: "t", StudyType: domain.StudyRetinalScan}, "")
	if err := h(context.Background(), ev); err == nil {
		t.Fatalf("expected first delivery to fail")
	}
	if err := h(context.Background(), ev); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if err := h(context.Background(), queue.NewStudyEvent(queue.EventAnalysisStarted, domain.Study{ID: "s1"}, "")); err != nil {
		t.Fatalf("ignored events must not fail: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}
