package notify

import (
	"errors"
	"strings"
	"text/template"
)

// DefaultTemplate is the plain-text trip notification.
const DefaultTemplate = `[{{.Function}} {{.EventLabel}}]
Relay: {{.Relay}}
Phase: {{.Phase}}
Current: {{.Current}} A
Pickup: {{.Pickup}}
Elapsed: {{.Elapsed}}
Time: {{.Time}}
{{- with .Suggestion}}
Suggestion: {{.}}{{end}}
{{- with .StatusURL}}
Status: {{.}}{{end}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Relay      string
	Function   string
	EventID    string
	Event      string
	EventLabel string
	Phase      string
	Current    string
	Pickup     string
	Elapsed    string
	Time       string
	Suggestion string
	StatusURL  string
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template; empty text selects DefaultTemplate.
// Custom templates may use the upper and lower helpers.
func NewTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	parsed, err := template.New("trip-notification").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data and trims surrounding blank lines.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("trip template: nil")
	}
	var out strings.Builder
	if err := t.tpl.Execute(&out, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
