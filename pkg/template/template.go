package template

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

var (
	mu    sync.Mutex
	cache = map[string]*template.Template{}
)

// Parse renders text with fields. Parsed templates are cached by source text.
func Parse(text string, fields any) (string, error) {
	tmpl, err := lookup(text)
	if err != nil {
		return "", err
	}
	var result bytes.Buffer
	err = tmpl.Execute(&result, fields)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}

	return result.String(), nil
}

func lookup(text string) (*template.Template, error) {
	mu.Lock()
	defer mu.Unlock()
	if t, ok := cache[text]; ok {
		return t, nil
	}
	t, err := template.New("").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cache[text] = t
	return t, nil
}
