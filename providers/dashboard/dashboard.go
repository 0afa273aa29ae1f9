// Package dashboard provides an extensible admin dashboard for the landlord.
//
// The dashboard is served under `/_admin/`, with each component directly underneath that. API calls for each
// [Component] are mounted under `/_admin/api/<slug>/...`.
package dashboard

import (
	"context"
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/landlord"
)

//go:embed index.gohtml
var index string
var indexTmpl = template.Must(template.New("index.gohtml").Parse(index))

type indexContext struct {
	Selected   Component
	Components Components
	Content    template.HTML
}

type Detail struct {
	// Icon is the Font Awesome 5 icon for the sidebar.
	Icon string
	// Title of the component in the sidebar.
	Title string
	// Slug for the component.
	Slug string
}

// Component defines the structure of a dashboard component.
type Component interface {
	Detail() Detail
	// Children returns sub-components for expandable sections.
	Children() Components
	// SetRenderer sets the renderer for the component.
	SetRenderer(renderer *Renderer)
	// Mount the component's pages and API endpoints.
	Mount(mux *http.ServeMux)
}

type Components []Component

type Dashboard struct {
	logger     *slog.Logger
	renderer   *Renderer
	components Components
}

// New creates a new [Dashboard] instance.
func New(logger *slog.Logger, components Components) *Dashboard {
	for _, component := range components {
		component.SetRenderer(NewRenderer(component, components))
	}
	return &Dashboard{logger: logger, components: components, renderer: NewRenderer(nil, components)}
}

// Mount the dashboard and all of its components on mux.
func (d *Dashboard) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /_admin/{$}", func(w http.ResponseWriter, r *http.Request) {
		out, err := d.Admin(r.Context())
		landlord.EncodeResponse(d.logger, r, w, landlord.EncodeError, out, err)
	})
	for _, component := range d.components {
		component.Mount(mux)
	}
	d.logger.Debug("Mounted admin dashboard", "path", "/_admin/", "components", len(d.components))
}

// Admin renders the dashboard landing page.
func (d *Dashboard) Admin(ctx context.Context) (string, error) {
	return d.renderer.RenderString(ctx, "")
}

// Renderer is used by components to render their content in the admin panel.
type Renderer struct {
	selected   Component
	components Components
}

// NewRenderer creates a new [Renderer] instance.
func NewRenderer(selected Component, components Components) *Renderer {
	return &Renderer{selected: selected, components: components}
}

// RenderString renders a string in the main content container of the admin panel.
func (l *Renderer) RenderString(ctx context.Context, content string) (string, error) {
	tctx := indexContext{
		Selected:   l.selected,
		Components: l.components,
		Content:    template.HTML(content), //nolint
	}

	w := &strings.Builder{}
	if err := indexTmpl.Execute(w, tctx); err != nil {
		return "", errors.Wrap(err, "failed to execute base template")
	}
	return w.String(), nil
}

// RenderTemplate renders a html/template precompiled template in the main content container of the admin panel.
func (l *Renderer) RenderTemplate(ctx context.Context, html *template.Template, data any) (string, error) {
	w := &strings.Builder{}
	if err := html.Execute(w, data); err != nil {
		return "", errors.Wrap(err, "failed to execute component template")
	}
	return l.RenderString(ctx, w.String())
}
