package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const maxPDFBytes = 50 << 20

// Renderer turns report HTML into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html []byte) ([]byte, error)
}

// HTTPRenderer posts the document to a Gotenberg-compatible
// /forms/chromium/convert/html endpoint.
type HTTPRenderer struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPRenderer(baseURL string, timeout time.Duration) (*HTTPRenderer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("renderer url required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRenderer{
		endpoint:   baseURL + "/forms/chromium/convert/html",
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (r *HTTPRenderer) Render(ctx context.Context, html []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(html); err != nil {
		return nil, err
	}
	_ = mw.WriteField("paperWidth", "8.27")
	_ = mw.WriteField("paperHeight", "11.7")
	_ = mw.WriteField("printBackground", "true")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renderer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read renderer response: %w", err)
	}
	if len(data) > maxPDFBytes {
		return nil, fmt.Errorf("renderer response exceeds %d bytes", maxPDFBytes)
	}
	return data, nil
}
