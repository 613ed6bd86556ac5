// Package templates renders email content through the Liquid template
// language, with compiled-template caching for repeated batch renders.
package templates

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Engine compiles and renders Liquid templates with caching.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template keyed by source md5
}

// NewEngine creates a template engine with the email-personalization
// filters registered.
func NewEngine() *Engine {
	e := &Engine{engine: liquid.NewEngine()}
	e.registerFilters()
	return e
}

func (e *Engine) registerFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	e.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	e.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// URL encode: {{ email | urlencode }}
	e.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	e.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Parse compiles a template string and returns any syntax error.
func (e *Engine) Parse(source string) error {
	_, err := e.engine.ParseString(source)
	return err
}

// Render processes a template with the given params. Compiled templates are
// cached by source digest, so batch sends re-render without re-parsing.
func (e *Engine) Render(source string, params map[string]interface{}) (string, error) {
	sum := md5.Sum([]byte(source))
	key := hex.EncodeToString(sum[:])

	if cached, ok := e.cache.Load(key); ok {
		return cached.(*liquid.Template).RenderString(params)
	}

	tpl, err := e.engine.ParseString(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	e.cache.Store(key, tpl)

	out, err := tpl.RenderString(params)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
