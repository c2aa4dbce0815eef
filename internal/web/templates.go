package web

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.tmpl
var builtin embed.FS

var templateFiles = map[string]string{
	"layout": "layout.tmpl",
	"portal": "portal.tmpl",
}

// TemplateManager handles template loading and rendering
type TemplateManager struct {
	templates map[string]*template.Template
	htmlDir   string
}

// NewTemplateManager creates a new template manager. Files in htmlDir
// replace the built-in templates of the same name.
func NewTemplateManager(htmlDir string) *TemplateManager {
	return &TemplateManager{
		templates: make(map[string]*template.Template),
		htmlDir:   htmlDir,
	}
}

// LoadTemplates loads every template, falling back to the built-in copy
// when an override is missing or broken
func (tm *TemplateManager) LoadTemplates() error {
	for name, filename := range templateFiles {
		if tmpl, ok := tm.loadOverride(filename); ok {
			tm.templates[name] = tmpl
			continue
		}

		tmpl, err := template.ParseFS(builtin, "templates/"+filename)
		if err != nil {
			return fmt.Errorf("failed to parse built-in template %s: %w", filename, err)
		}
		tm.templates[name] = tmpl
	}
	return nil
}

func (tm *TemplateManager) loadOverride(filename string) (*template.Template, bool) {
	if tm.htmlDir == "" {
		return nil, false
	}
	path := filepath.Join(tm.htmlDir, filename)
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: failed to load template %s: %v", path, err)
		}
		return nil, false
	}
	log.Printf("Loaded template: %s", path)
	return tmpl, true
}

// Render renders a template with the given data
func (tm *TemplateManager) Render(name string, data interface{}) (string, error) {
	tmpl, exists := tm.templates[name]
	if !exists {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}

	return buf.String(), nil
}

// HasTemplate checks if a template exists
func (tm *TemplateManager) HasTemplate(name string) bool {
	_, exists := tm.templates[name]
	return exists
}
