package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"retinalab/pkg/domain"
)

// Client calls the RetinaLab API over HTTP. After Login it sends the session
// token as a bearer token on every request.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// APIError represents an error response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	// Partial is set when a chat message was stored but no reply was produced.
	Partial     bool
	UserMessage *domain.ChatMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// NewClient constructs an API client. A nil httpClient gets a 2 minute
// timeout, long enough for a synchronous analysis.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// ImageRef identifies an attached image.
type ImageRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ReportUpdate is the body of a report edit. UpdatedAt is the token read with the study.
type ReportUpdate struct {
	Title          *string   `json:"title,omitempty"`
	AnalysisResult *string   `json:"analysisResult,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Report is a rendered PDF report.
type Report struct {
	PDF      []byte
	Filename string
}

// Exchange is a successful chat round trip.
type Exchange struct {
	Message          string              `json:"message"`
	UserMessage      *domain.ChatMessage `json:"userMessage"`
	AssistantMessage *domain.ChatMessage `json:"assistantMessage"`
}

// Login opens a session and keeps its token.
func (c *Client) Login(ctx context.Context, email, password string) (domain.User, error) {
	var resp struct {
		User  domain.User `json:"user"`
		Token string      `json:"token"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return domain.User{}, err
	}
	c.SetToken(resp.Token)
	return resp.User, nil
}

// Logout revokes the session and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

// Me returns the session user, or nil when not logged in.
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var user *domain.User
	if err := c.call(ctx, http.MethodGet, "/api/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) ListStudies(ctx context.Context) ([]domain.Study, error) {
	var resp struct {
		Items []domain.Study `json:"items"`
		Count int            `json:"count"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/studies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) GetStudy(ctx context.Context, id string) (domain.StudyDetail, error) {
	var detail domain.StudyDetail
	if err := c.call(ctx, http.MethodGet, studyPath(id, ""), nil, &detail); err != nil {
		return domain.StudyDetail{}, err
	}
	return detail, nil
}

// CreateStudy returns the new study's id.
func (c *Client) CreateStudy(ctx context.Context, title string, studyType domain.StudyType) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"title": title, "studyType": string(studyType)}
	if err := c.call(ctx, http.MethodPost, "/api/studies", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AttachImage uploads image bytes as base64.
func (c *Client) AttachImage(ctx context.Context, studyID, filename, mimeType string, data []byte) (ImageRef, error) {
	body := map[string]string{
		"imageData": base64.StdEncoding.EncodeToString(data),
		"filename":  filename,
		"mimeType":  mimeType,
	}
	var ref ImageRef
	if err := c.call(ctx, http.MethodPost, studyPath(studyID, "/images"), body, &ref); err != nil {
		return ImageRef{}, err
	}
	return ref, nil
}

// Analyze runs the analysis synchronously and returns its result.
func (c *Client) Analyze(ctx context.Context, studyID string) (string, error) {
	var resp struct {
		AnalysisResult *string `json:"analysisResult"`
	}
	if err := c.call(ctx, http.MethodPost, studyPath(studyID, "/analyze"), nil, &resp); err != nil {
		return "", err
	}
	if resp.AnalysisResult == nil {
		return "", nil
	}
	return *resp.AnalysisResult, nil
}

// UpdateReport returns the study's new updatedAt token.
func (c *Client) UpdateReport(ctx context.Context, studyID string, upd ReportUpdate) (time.Time, error) {
	var resp struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if err := c.call(ctx, http.MethodPatch, studyPath(studyID, ""), upd, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.UpdatedAt, nil
}

func (c *Client) DeleteStudy(ctx context.Context, studyID string) error {
	return c.call(ctx, http.MethodDelete, studyPath(studyID, ""), nil, nil)
}

func (c *Client) ReportPDF(ctx context.Context, studyID string) (Report, error) {
	var resp struct {
		PDF      string `json:"pdf"`
		Filename string `json:"filename"`
	}
	if err := c.call(ctx, http.MethodGet, studyPath(studyID, "/pdf"), nil, &resp); err != nil {
		return Report{}, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.PDF)
	if err != nil {
		return Report{}, fmt.Errorf("decode pdf: %w", err)
	}
	return Report{PDF: data, Filename: resp.Filename}, nil
}

func (c *Client) ListMessages(ctx context.Context, studyID string) ([]domain.ChatMessage, error) {
	var msgs []domain.ChatMessage
	if err := c.call(ctx, http.MethodGet, studyPath(studyID, "/messages"), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage asks about a study. When the reply fails after the question was
// stored, the *APIError has Partial set and carries the stored UserMessage.
func (c *Client) SendMessage(ctx context.Context, studyID, text string) (Exchange, error) {
	var ex Exchange
	body := map[string]string{"message": text}
	if err := c.call(ctx, http.MethodPost, studyPath(studyID, "/messages"), body, &ex); err != nil {
		return Exchange{}, err
	}
	return ex, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error       string              `json:"error"`
			Code        string              `json:"code"`
			RequestID   string              `json:"requestId"`
			Partial     bool                `json:"partial"`
			UserMessage *domain.ChatMessage `json:"userMessage"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{
			Status:      resp.StatusCode,
			Code:        strings.TrimSpace(errResp.Code),
			Message:     msg,
			RequestID:   errResp.RequestID,
			Partial:     errResp.Partial,
			UserMessage: errResp.UserMessage,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func studyPath(id, suffix string) string {
	return "/api/studies/" + url.PathEscape(id) + suffix
}
