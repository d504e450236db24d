// Package prompts renders the instruction templates used at each research
// stage. Templates use text/template syntax over {{.Topic}}, {{.Date}} and
// {{.Params.<name>}}.
package prompts

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	QueryWriter  = "query_writer"
	TaskType     = "task_type"
	DataAnalysis = "data_analysis"
	WebSearcher  = "web_searcher"
	DataAnalyzer = "data_analyzer"
	Reflection   = "reflection"
	Answer       = "answer"
)

var names = []string{QueryWriter, TaskType, DataAnalysis, WebSearcher, DataAnalyzer, Reflection, Answer}

type Template struct {
	name string
	tmpl *template.Template
}

type renderData struct {
	Topic  string
	Date   string
	Params map[string]any
}

func Parse(name, text string) (Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return Template{}, fmt.Errorf("parse %s template: %w", name, err)
	}
	return Template{name: name, tmpl: tmpl}, nil
}

func (t Template) Name() string {
	return t.name
}

// Render formats the template. It has no side effects.
func (t Template) Render(topic, date string, params map[string]any) (string, error) {
	if t.tmpl == nil {
		return "", fmt.Errorf("template %s is not initialized", t.name)
	}
	if params == nil {
		params = map[string]any{}
	}
	var out strings.Builder
	if err := t.tmpl.Execute(&out, renderData{Topic: topic, Date: date, Params: params}); err != nil {
		return "", fmt.Errorf("render %s: %w", t.name, err)
	}
	return out.String(), nil
}

// Set holds one template per research stage.
type Set struct {
	templates map[string]Template
}

// Defaults returns the built-in templates.
func Defaults() *Set {
	set := &Set{templates: make(map[string]Template, len(names))}
	for _, name := range names {
		tmpl, err := Parse(name, defaultTexts[name])
		if err != nil {
			panic(err)
		}
		set.templates[name] = tmpl
	}
	return set
}

// Get returns the template for a stage.
func (s *Set) Get(name string) (Template, error) {
	tmpl, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown prompt template %q", name)
	}
	return tmpl, nil
}

// Render looks up and renders a stage template.
func (s *Set) Render(name, topic, date string, params map[string]any) (string, error) {
	tmpl, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return tmpl.Render(topic, date, params)
}

// WithOverrides returns a copy of s where each named entry replaces the
// corresponding default. Unknown names are rejected.
func (s *Set) WithOverrides(overrides map[string]string) (*Set, error) {
	out := &Set{templates: make(map[string]Template, len(s.templates))}
	for name, tmpl := range s.templates {
		out.templates[name] = tmpl
	}
	for name, text := range overrides {
		if _, ok := out.templates[name]; !ok {
			return nil, fmt.Errorf("unknown prompt template %q", name)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		tmpl, err := Parse(name, text)
		if err != nil {
			return nil, err
		}
		out.templates[name] = tmpl
	}
	return out, nil
}

// LoadFile reads a YAML mapping of template name to template text and
// applies it over the defaults.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("decode prompt templates %s: %w", path, err)
	}
	return Defaults().WithOverrides(overrides)
}
