package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"retinalab/pkg/domain"
)

// Input carries the study fields printed in the report.
type Input struct {
	Title          string
	StudyType      domain.StudyType
	CreatedAt      time.Time
	AnalysisResult string
	ImageURL       string
}

// inline markup the analysis model tends to emit; everything else is stripped.
var analysisPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("strong", "em", "b", "i", "u", "sub", "sup", "br")
	return p
}()

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="ru">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    @page { size: A4; margin: 2cm; }
    body { font-family: 'Arial', sans-serif; line-height: 1.6; color: #1e293b; font-size: 12pt; }
    .header { text-align: center; margin-bottom: 30px; padding-bottom: 20px; border-bottom: 2px solid #2563eb; }
    .header h1 { color: #2563eb; margin: 0 0 10px 0; font-size: 24pt; }
    .header .meta { color: #64748b; font-size: 11pt; }
    .image-section { text-align: center; margin: 30px 0; }
    .image-section img { max-width: 100%; height: auto; border: 1px solid #e2e8f0; border-radius: 8px; }
    .content { margin-top: 30px; }
    .content h2 { color: #2563eb; font-size: 16pt; margin-top: 25px; margin-bottom: 15px; }
    .content p { margin: 10px 0; text-align: justify; }
    .footer { margin-top: 50px; padding-top: 20px; border-top: 1px solid #e2e8f0; text-align: center; color: #64748b; font-size: 10pt; }
  </style>
</head>
<body>
  <div class="header">
    <h1>{{.Title}}</h1>
    <div class="meta">
      <p><strong>Тип исследования:</strong> {{.TypeLabel}}</p>
      <p><strong>Дата:</strong> {{.Date}}</p>
    </div>
  </div>
{{if .ImageURL}}
  <div class="image-section">
    <img src="{{.ImageURL}}" alt="Снимок исследования" />
  </div>
{{end}}
  <div class="content">
    <h2>Результаты анализа</h2>
{{range .Paragraphs}}    <p>{{.}}</p>
{{end}}  </div>
  <div class="footer">
    <p>Документ создан автоматически системой RetinaLab</p>
  </div>
</body>
</html>
`))

type view struct {
	Title      string
	TypeLabel  string
	Date       string
	ImageURL   string
	Paragraphs []template.HTML
}

// BuildHTML renders the printable report. Each non-blank line of the analysis
// becomes a paragraph.
func BuildHTML(in Input) ([]byte, error) {
	v := view{
		Title:     in.Title,
		TypeLabel: in.StudyType.Label(),
		Date:      in.CreatedAt.Format("02.01.2006"),
		ImageURL:  in.ImageURL,
	}
	for _, line := range strings.Split(in.AnalysisResult, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		v.Paragraphs = append(v.Paragraphs, template.HTML(analysisPolicy.Sanitize(line)))
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render report html: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns the download name for a study report.
func Filename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, strings.TrimSpace(title))
	if name == "" {
		name = "report"
	}
	return name + ".pdf"
}
