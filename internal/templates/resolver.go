// Package templates resolves stored account templates into message content.
package templates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"PulseDispatch/internal/models"
)

type Store interface {
	GetTemplate(ctx context.Context, accountID, id string) (*models.Template, error)
}

// Content is a rendered template.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

type Resolver struct {
	store  Store
	engine *liquid.Engine
	cache  sync.Map // account/template/field -> parsed
}

// parsed holds one template field. An edited template replaces its entry, so
// the cache is bounded by templates times fields.
type parsed struct {
	src string
	tpl *liquid.Template
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, engine: liquid.NewEngine()}
}

// Render loads the template and substitutes vars into its subject and
// bodies. Missing, inactive and under-bound templates yield a
// *models.TemplateError.
func (r *Resolver) Render(ctx context.Context, accountID, templateID string, vars map[string]string) (Content, error) {
	tpl, err := r.store.GetTemplate(ctx, accountID, templateID)
	if errors.Is(err, models.ErrNotFound) {
		return Content{}, &models.TemplateError{TemplateID: templateID, Reason: "not found"}
	}
	if err != nil {
		return Content{}, fmt.Errorf("load template %s: %w", templateID, err)
	}
	if !tpl.Active {
		return Content{}, &models.TemplateError{TemplateID: templateID, Reason: "inactive"}
	}
	if missing := missingVariables(tpl.Variables, vars); len(missing) > 0 {
		return Content{}, &models.TemplateError{
			TemplateID: templateID,
			Reason:     "unbound variables: " + strings.Join(missing, ", "),
		}
	}

	bindings := make(liquid.Bindings, len(vars))
	for k, v := range vars {
		bindings[k] = v
	}

	var out Content
	for _, f := range []struct {
		field string
		src   string
		dst   *string
	}{
		{"subject", tpl.Subject, &out.Subject},
		{"html", tpl.HTML, &out.HTML},
		{"text", tpl.Text, &out.Text},
	} {
		if f.src == "" {
			continue
		}
		rendered, err := r.render(accountID+"/"+templateID+"/"+f.field, f.src, bindings)
		if err != nil {
			return Content{}, &models.TemplateError{TemplateID: templateID, Reason: err.Error()}
		}
		*f.dst = rendered
	}
	return out, nil
}

func (r *Resolver) render(key, src string, bindings liquid.Bindings) (string, error) {
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(key); ok && cached.(parsed).src == src {
		tpl = cached.(parsed).tpl
	} else {
		t, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		r.cache.Store(key, parsed{src: src, tpl: t})
		tpl = t
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

func missingVariables(required []string, vars map[string]string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
