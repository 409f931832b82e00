// Package openapi builds the OpenAPI 3 document for the conductor API by
// reflecting on the response models of registered routes.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces an OpenAPI document from registered routes.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string

	mu         sync.RWMutex
	routes     []Route
	cachedSpec *openapi3.T
}

// Param is a path or query parameter.
type Param struct {
	Name        string
	In          string // "path" or "query"
	Description string
	Type        string // OpenAPI scalar type, default "string"
}

// Route describes one read-only endpoint.
type Route struct {
	Path        string
	OperationID string
	Summary     string
	Tag         string

	// Model is the response body. When List is set the body is
	// {"data": [Model...], "meta": {...}}; otherwise {"data": Model}.
	Model  any
	List   bool
	Params []Param
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) { g.title = title }
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) { g.version = version }
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) { g.description = description }
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) { g.servers = append(g.servers, url) }
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:   "Conductor API",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a route.
func (g *Generator) Register(r Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes = append(g.routes, r)
	g.cachedSpec = nil
}

// Generate produces the document. The result is cached until the next
// Register.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	g.addCommonSchemas(spec)
	for _, r := range g.routes {
		g.addRoute(spec, r)
	}

	g.cachedSpec = spec
	return spec
}

// Handler serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Schema Generation
// =============================================================================

func (g *Generator) addCommonSchemas(spec *openapi3.T) {
	str := func() *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
	}
	integer := func() *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}
	}

	spec.Components.Schemas["ListMeta"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count":  integer(),
				"limit":  integer(),
				"offset": integer(),
			},
		},
	}

	spec.Components.Schemas["Error"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"errors": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"array"},
						Items: &openapi3.SchemaRef{
							Value: &openapi3.Schema{
								Type: &openapi3.Types{"object"},
								Properties: openapi3.Schemas{
									"status": str(),
									"title":  str(),
									"detail": str(),
								},
							},
						},
					},
				},
			},
		},
	}
}

func (g *Generator) addRoute(spec *openapi3.T, r Route) {
	name := SchemaName(r.Model)
	if _, ok := spec.Components.Schemas[name]; !ok && name != "" {
		spec.Components.Schemas[name] = g.extractSchema(r.Model)
	}
	ref := &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}

	body := &openapi3.Schema{Type: &openapi3.Types{"object"}, Properties: openapi3.Schemas{}}
	if r.List {
		body.Properties["data"] = &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref},
		}
		body.Properties["meta"] = &openapi3.SchemaRef{Ref: "#/components/schemas/ListMeta"}
	} else {
		body.Properties["data"] = ref
	}

	op := &openapi3.Operation{
		OperationID: r.OperationID,
		Summary:     r.Summary,
		Responses: openapi3.NewResponses(
			openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().
					WithDescription("OK").
					WithJSONSchema(body),
			}),
			openapi3.WithStatus(http.StatusNotFound, &openapi3.ResponseRef{
				Value: openapi3.NewResponse().
					WithDescription("Not found").
					WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Error"}),
			}),
		),
	}
	if r.Tag != "" {
		op.Tags = []string{r.Tag}
	}
	for _, p := range r.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:        p.Name,
				In:          p.In,
				Description: p.Description,
				Required:    p.In == openapi3.ParameterInPath,
				Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{typ}}},
			},
		})
	}

	item := spec.Paths.Value(r.Path)
	if item == nil {
		item = &openapi3.PathItem{}
		spec.Paths.Set(r.Path, item)
	}
	item.Get = op
}

// SchemaName is the component name for a model: its Go type name.
func SchemaName(model any) string {
	t := reflect.TypeOf(model)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return t.Name()
}

// extractSchema builds an object schema from a struct's JSON fields.
// Anonymous embedded structs are flattened, as encoding/json does.
func (g *Generator) extractSchema(model any) *openapi3.SchemaRef {
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}
	g.addFields(schema, t)
	return &openapi3.SchemaRef{Value: schema}
}

func (g *Generator) addFields(schema *openapi3.Schema, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		if field.Anonymous && field.Type.Kind() == reflect.Struct && jsonTag == "" {
			g.addFields(schema, field.Type)
			continue
		}
		if !field.IsExported() {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			if n, _, _ := strings.Cut(jsonTag, ","); n != "" {
				name = n
			}
		}
		if prop := g.goTypeToSchema(field.Type); prop != nil {
			schema.Properties[name] = prop
		}
	}
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch {
	case t == timeType:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}}
	case t == durationType:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:        &openapi3.Types{"integer"},
			Format:      "int64",
			Description: "nanoseconds",
		}}
	}

	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32, reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "byte"}}
		}
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: g.goTypeToSchema(t.Elem()),
		}}

	case reflect.Map:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:                 &openapi3.Types{"object"},
			AdditionalProperties: openapi3.AdditionalProperties{Schema: g.goTypeToSchema(t.Elem())},
		}}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema != nil && schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		return g.extractSchema(reflect.New(t).Interface())

	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}
