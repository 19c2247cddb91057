// Package notify forwards study lifecycle events to the owner notification endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"retinalab/internal/util"
	"retinalab/pkg/queue"
)

const (
	TitleMaxLength   = 1200
	ContentMaxLength = 20000
)

var ErrInvalidPayload = errors.New("invalid notification payload")

// Client posts {title, content} to a Connect-style JSON endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewClient(endpoint, apiKey string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notification endpoint is required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("notification api key is required")
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type payload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Notify sends one notification. Non-2xx responses are errors.
func (c *Client) Notify(ctx context.Context, title, content string) error {
	p, err := validatePayload(title, content)
	if err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification failed: %s %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}

func validatePayload(title, content string) (payload, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	switch {
	case title == "":
		return payload{}, fmt.Errorf("%w: title is required", ErrInvalidPayload)
	case content == "":
		return payload{}, fmt.Errorf("%w: content is required", ErrInvalidPayload)
	case utf8.RuneCountInString(title) > TitleMaxLength:
		return payload{}, fmt.Errorf("%w: title must be at most %d characters", ErrInvalidPayload, TitleMaxLength)
	case utf8.RuneCountInString(content) > ContentMaxLength:
		return payload{}, fmt.Errorf("%w: content must be at most %d characters", ErrInvalidPayload, ContentMaxLength)
	}
	return payload{Title: title, Content: content}, nil
}

// Message renders the owner-facing text for an event. ok is false for events
// the owner is not notified about.
func Message(ev queue.Event) (title, content string, ok bool) {
	switch ev.Type {
	case queue.EventAnalysisCompleted:
		title = "Анализ завершён: " + ev.Title
		content = fmt.Sprintf("Исследование «%s» (%s) проанализировано. Заключение доступно в карточке исследования.",
			ev.Title, ev.StudyType.Label())
	case queue.EventAnalysisFailed:
		title = "Ошибка анализа: " + ev.Title
		content = fmt.Sprintf("Не удалось проанализировать исследование «%s» (%s). Причина: %s. Повторите анализ позже.",
			ev.Title, ev.StudyType.Label(), ev.Detail)
	default:
		return "", "", false
	}
	return truncate(title, TitleMaxLength), truncate(content, ContentMaxLength), true
}

// Handler adapts a Client to a queue.Handler.
func Handler(c *Client) queue.Handler {
	return func(ctx context.Context, ev queue.Event) error {
		title, content, ok := Message(ev)
		if !ok {
			return nil
		}
		log := util.LoggerFromContext(ctx).With("event_id", ev.ID, "study_id", ev.StudyID, "type", ev.Type)
		err := c.Notify(ctx, title, content)
		if errors.Is(err, ErrInvalidPayload) {
			log.Warn("notification skipped", "err", err)
			return nil
		}
		if err != nil {
			log.Warn("notification failed", "err", err)
			return err
		}
		log.Info("owner notified")
		return nil
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
