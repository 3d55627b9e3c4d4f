package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.html
var templateFS embed.FS

var beamTemplate = template.Must(
	template.New("beam.html").Funcs(template.FuncMap{
		"formatDate": func(t time.Time) string {
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
		"comma": func(n int) string {
			return humanize.Comma(int64(n))
		},
	}).ParseFS(templateFS, "templates/beam.html"),
)

// TemplateData holds data for beam template rendering
type TemplateData struct {
	Title            string
	ContentHTML      template.HTML
	Author           string
	CreatedAt        time.Time
	Age              string
	Tags             []string
	ReflectionsCount int
	Reflections      []TemplateReflection
	GeneratedAt      time.Time
}

// TemplateReflection is one node of the exported reply tree.
type TemplateReflection struct {
	Author      string
	Age         string
	ContentHTML template.HTML
	Children    []TemplateReflection
	// More is set when the node had further replies beyond the exported page.
	More bool
}

// RenderBeamHTML renders the beam template with provided data
func RenderBeamHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := beamTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// age renders t relative to now, e.g. "3 days ago".
func age(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
