// Package template renders campaign subject lines and bodies with
// per-recipient personalization using the Liquid template language.
package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/campaign-engine/internal/audience"
)

// Renderer compiles and caches Liquid templates. Parsed templates are cached
// by source text because every recipient of a campaign shares the same
// template with different bindings.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the engine's custom filters installed.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ name | capitalize }}
	engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	return &Renderer{engine: engine}
}

// Render expands source with the given bindings.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	if source == "" {
		return "", nil
	}

	var tmpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tmpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(source, parsed)
		tmpl = parsed
	}

	out, err := tmpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// RecipientBindings builds the variable set available to campaign templates.
func RecipientBindings(rec audience.Recipient) map[string]interface{} {
	return map[string]interface{}{
		"email":      rec.Email,
		"first_name": rec.FirstName,
		"last_name":  rec.LastName,
		"tags":       rec.Tags,
	}
}

// BindingsForSend builds template bindings from the denormalized fields on a
// send record, for workers that no longer hold the full subscriber row.
func BindingsForSend(email, firstName, lastName string) map[string]interface{} {
	return map[string]interface{}{
		"email":      email,
		"first_name": firstName,
		"last_name":  lastName,
	}
}
