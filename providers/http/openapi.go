package http

import (
	"encoding/json"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-openapi/spec"

	"github.com/alecthomas/landlord"
)

var (
	wildcardRe   = regexp.MustCompile(`\{([^}]+)\}`)
	durationType = reflect.TypeFor[Duration]()
	timeType     = reflect.TypeFor[time.Time]()
	rawType      = reflect.TypeFor[json.RawMessage]()
	emptyType    = reflect.TypeFor[landlord.EmptyResponse]()
)

// openAPI generates an OpenAPI 2.0 description of the exported routes.
func (e *exporter) openAPI() *spec.Swagger {
	definitions := spec.Definitions{}
	paths := map[string]spec.PathItem{}
	for _, route := range e.routes {
		item := paths[route.path]
		operation := &spec.Operation{
			OperationProps: spec.OperationProps{
				Summary:    route.summary,
				Tags:       []string{"leases"},
				Produces:   []string{"application/json"},
				Parameters: parametersFor(route, definitions),
				Responses:  responsesFor(route, definitions),
			},
		}
		switch route.method {
		case http.MethodGet:
			item.Get = operation
		case http.MethodPost:
			item.Post = operation
		case http.MethodPut:
			item.Put = operation
		case http.MethodDelete:
			item.Delete = operation
		}
		paths[route.path] = item
	}
	return &spec.Swagger{
		SwaggerProps: spec.SwaggerProps{
			Swagger: "2.0",
			Info: &spec.Info{InfoProps: spec.InfoProps{
				Title:       "Landlord",
				Description: "Time-bounded leases on resources held by remote clients.",
				Version:     "1.0",
			}},
			Consumes:    []string{"application/json"},
			Produces:    []string{"application/json"},
			Paths:       &spec.Paths{Paths: paths},
			Definitions: definitions,
		},
	}
}

func parametersFor(route route, definitions spec.Definitions) []spec.Parameter {
	var parameters []spec.Parameter
	for _, match := range wildcardRe.FindAllStringSubmatch(route.path, -1) {
		parameters = append(parameters, spec.Parameter{
			ParamProps:   spec.ParamProps{Name: match[1], In: "path", Required: true},
			SimpleSchema: spec.SimpleSchema{Type: "string"},
		})
	}
	if route.request.Kind() != reflect.Struct || route.request.NumField() == 0 {
		return parameters
	}
	if route.method == http.MethodPost || route.method == http.MethodPut || route.method == http.MethodPatch {
		parameters = append(parameters, spec.Parameter{
			ParamProps: spec.ParamProps{Name: "body", In: "body", Required: true, Schema: schemaFor(route.request, definitions)},
		})
		return parameters
	}
	for i := range route.request.NumField() {
		field := route.request.Field(i)
		name := field.Tag.Get("qstring")
		if name == "" || name == "-" || !field.IsExported() {
			continue
		}
		kind := "string"
		if fieldSchema := schemaFor(field.Type, definitions); len(fieldSchema.Type) > 0 {
			kind = fieldSchema.Type[0]
		}
		parameters = append(parameters, spec.Parameter{
			ParamProps:   spec.ParamProps{Name: name, In: "query"},
			SimpleSchema: spec.SimpleSchema{Type: kind},
		})
	}
	return parameters
}

func responsesFor(route route, definitions spec.Definitions) *spec.Responses {
	responses := &spec.Responses{
		ResponsesProps: spec.ResponsesProps{
			StatusCodeResponses: map[int]spec.Response{},
		},
	}
	success := spec.Response{ResponseProps: spec.ResponseProps{Description: http.StatusText(route.status)}}
	if route.response != emptyType {
		success.Schema = schemaFor(route.response, definitions)
	}
	responses.StatusCodeResponses[route.status] = success
	errorSchema := schemaFor(reflect.TypeFor[landlord.ErrorResponse](), definitions)
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable} {
		responses.StatusCodeResponses[status] = spec.Response{
			ResponseProps: spec.ResponseProps{Description: http.StatusText(status), Schema: errorSchema},
		}
	}
	return responses
}

// schemaFor returns the JSON schema for t, adding named struct types to definitions.
func schemaFor(t reflect.Type, definitions spec.Definitions) *spec.Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	schema := &spec.Schema{}
	switch {
	case t == durationType:
		schema.Type = []string{"string"}
		schema.Format = "duration"
		return schema
	case t == timeType:
		schema.Type = []string{"string"}
		schema.Format = "date-time"
		return schema
	case t == rawType:
		// Arbitrary JSON.
		return schema
	}
	switch t.Kind() {
	case reflect.String:
		schema.Type = []string{"string"}
	case reflect.Bool:
		schema.Type = []string{"boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		schema.Type = []string{"integer"}
	case reflect.Float32, reflect.Float64:
		schema.Type = []string{"number"}
	case reflect.Slice, reflect.Array:
		schema.Type = []string{"array"}
		schema.Items = &spec.SchemaOrArray{Schema: schemaFor(t.Elem(), definitions)}
	case reflect.Map:
		schema.Type = []string{"object"}
		schema.AdditionalProperties = &spec.SchemaOrBool{Allows: true, Schema: schemaFor(t.Elem(), definitions)}
	case reflect.Struct:
		if t.Name() == "" {
			return structSchema(t, definitions)
		}
		name := definitionName(t)
		if _, exists := definitions[name]; !exists {
			// Reserve the name first so recursive types terminate.
			definitions[name] = spec.Schema{}
			definitions[name] = *structSchema(t, definitions)
		}
		schema.Ref = spec.MustCreateRef("#/definitions/" + name)
	default:
		schema.Type = []string{"object"}
	}
	return schema
}

func structSchema(t reflect.Type, definitions spec.Definitions) *spec.Schema {
	schema := &spec.Schema{}
	schema.Type = []string{"object"}
	schema.Properties = map[string]spec.Schema{}
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitempty := jsonFieldName(field)
		if name == "" {
			continue
		}
		// Embedded structs without a JSON name are flattened.
		if field.Anonymous && field.Tag.Get("json") == "" && field.Type.Kind() == reflect.Struct {
			embedded := structSchema(field.Type, definitions)
			for k, v := range embedded.Properties {
				schema.Properties[k] = v
			}
			schema.Required = append(schema.Required, embedded.Required...)
			continue
		}
		schema.Properties[name] = *schemaFor(field.Type, definitions)
		if !omitempty {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

// jsonFieldName returns the JSON field name from the struct tag if present, otherwise the field name.
func jsonFieldName(field reflect.StructField) (name string, omitempty bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	name, options, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(options, "omitempty")
}

func definitionName(t reflect.Type) string {
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if pkg == "" {
		return t.Name()
	}
	return pkg + "." + t.Name()
}
