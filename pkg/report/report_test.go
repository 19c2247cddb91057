package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"retinalab/pkg/domain"
	"retinalab/pkg/report/reporttest"
)

func TestBuildHTMLSanitizesAnalysis(t *testing.T) {
	html, err := BuildHTML(Input{
		Title:          "Левый глаз <b>",
		StudyType:      domain.StudyOpticNerve,
		CreatedAt:      time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		AnalysisResult: "1. <strong>Диск</strong> в норме\n\n<script>alert(1)</script>Экскавация 0.3\n   ",
		ImageURL:       "https://cdn.example.com/a.jpg",
	})
	if err != nil {
		t.Fatalf("build html: %v", err)
	}
	out := string(html)
	for _, want := range []string{
		"<h1>Левый глаз &lt;b&gt;</h1>",
		domain.StudyOpticNerve.Label(),
		"05.03.2024",
		`<img src="https://cdn.example.com/a.jpg"`,
		"<p>1. <strong>Диск</strong> в норме</p>",
		"<p>Экскавация 0.3</p>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "<script>") {
		t.Fatalf("script tag leaked into report")
	}
	if strings.Count(out, "<p>") != 2+2+1 {
		t.Fatalf("unexpected paragraph count in:\n%s", out)
	}
}

func TestBuildHTMLWithoutImage(t *testing.T) {
	html, err := BuildHTML(Input{Title: "t", StudyType: domain.StudyRetinalScan, AnalysisResult: "ok"})
	if err != nil {
		t.Fatalf("build html: %v", err)
	}
	if strings.Contains(string(html), "image-section\">") {
		t.Fatalf("image section rendered without image")
	}
}

func TestFilename(t *testing.T) {
	tests := map[string]string{
		"Осмотр 12/03": "Осмотр 12_03.pdf",
		"  ":           "report.pdf",
		"a\"b\nc":      "a_bc.pdf",
		"plain":        "plain.pdf",
	}
	for in, want := range tests {
		if got := Filename(in); got != want {
			t.Fatalf("Filename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidatePDF(t *testing.T) {
	pages, err := ValidatePDF(reporttest.PDF(2))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if pages != 2 {
		t.Fatalf("pages = %d", pages)
	}
	if _, err := ValidatePDF([]byte("<html>not a pdf</html>")); !errors.Is(err, ErrInvalidPDF) {
		t.Fatalf("expected ErrInvalidPDF, got %v", err)
	}
	if _, err := ValidatePDF(reporttest.PDF(0)); !errors.Is(err, ErrInvalidPDF) {
		t.Fatalf("expected empty document to be rejected, got %v", err)
	}
}

func TestHTTPRendererPostsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/forms/chromium/convert/html" {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("files")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer f.Close()
		body, _ := io.ReadAll(f)
		if hdr.Filename != "index.html" || string(body) != "<html></html>" {
			t.Errorf("unexpected upload %s %q", hdr.Filename, body)
		}
		_, _ = w.Write(reporttest.PDF(1))
	}))
	defer srv.Close()

	r, err := NewHTTPRenderer(srv.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	data, err := r.Render(context.Background(), []byte("<html></html>"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, err := ValidatePDF(data); err != nil {
		t.Fatalf("rendered bytes invalid: %v", err)
	}
}

func TestHTTPRendererError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chromium crashed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, _ := NewHTTPRenderer(srv.URL, time.Second)
	if _, err := r.Render(context.Background(), []byte("x")); err == nil || !strings.Contains(err.Error(), "chromium crashed") {
		t.Fatalf("expected renderer error, got %v", err)
	}
}
