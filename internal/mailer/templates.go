package mailer

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"path"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/minipass/reconciler/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var defaultSubjects = map[string]string{
	models.TemplatePaymentReceived: "Paiement reçu",
	models.TemplateLatePayment:     "Rappel de paiement",
}

var defaultTitles = map[string]string{
	models.TemplatePaymentReceived: "Paiement confirmé",
	models.TemplateLatePayment:     "Rappel de paiement",
}

var (
	blockEnd   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|tr|h[1-6]|li|table)>`)
	blankLines = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)+`)
)

// Templates holds the parsed embedded email templates.
type Templates struct {
	set   map[string]*template.Template
	strip *bluemonday.Policy
}

func LoadTemplates() (*Templates, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	t := &Templates{set: make(map[string]*template.Template), strip: bluemonday.StrictPolicy()}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		tpl, err := template.New(e.Name()).Option("missingkey=zero").ParseFS(templateFS, "templates/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", e.Name(), err)
		}
		t.set[name] = tpl
	}
	return t, nil
}

// Has reports whether a template with that name is embedded.
func (t *Templates) Has(name string) bool {
	_, ok := t.set[name]
	return ok
}

// Render executes the named template and derives the plain-text alternative.
func (t *Templates) Render(name string, data map[string]interface{}) (htmlBody, textBody string, err error) {
	tpl, ok := t.set[name]
	if !ok {
		return "", "", fmt.Errorf("unknown template %q", name)
	}
	if _, ok := data["title"]; !ok {
		data["title"] = defaultTitles[name]
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	htmlBody = buf.String()
	return htmlBody, t.plainText(htmlBody), nil
}

func (t *Templates) plainText(htmlBody string) string {
	// Keep the <title> out of the text part.
	if i := strings.Index(strings.ToLower(htmlBody), "<body"); i >= 0 {
		htmlBody = htmlBody[i:]
	}
	withBreaks := blockEnd.ReplaceAllString(htmlBody, "$0\n")
	text := html.UnescapeString(t.strip.Sanitize(withBreaks))
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	text = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text) + "\n"
}

func subjectFor(req models.EmailRequest) string {
	if req.Subject != "" {
		return req.Subject
	}
	return defaultSubjects[req.TemplateName]
}
