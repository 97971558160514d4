package render

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"example.com/egressgen/internal/assemble"
)

// Render выполняет шаблон оператора над собранным документом.
// Диагностика в вывод не попадает никогда.
func Render(templatePath string, doc *assemble.Document) ([]byte, error) {
	name := filepath.Base(templatePath)
	t, err := template.New(name).Option("missingkey=error").ParseFiles(templatePath)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return execute(t, doc)
}

// RenderText is Render over an in-memory template body.
func RenderText(body string, doc *assemble.Document) ([]byte, error) {
	t, err := template.New("egress").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return execute(t, doc)
}

func execute(t *template.Template, doc *assemble.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}
