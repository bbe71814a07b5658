package openapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/pb33f/libopenapi"
	v3high "github.com/pb33f/libopenapi/datamodel/high/v3"
)

// Spec is a parsed OpenAPI 3 document with pre-rendered YAML and JSON.
type Spec struct {
	model    *v3high.Document
	yamlData []byte
	jsonData []byte
}

// Load parses yamlData. A non-empty version replaces info.version.
func Load(yamlData []byte, version string) (*Spec, error) {
	doc, err := libopenapi.NewDocument(yamlData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}
	model, err := doc.BuildV3Model()
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI model: %v", err)
	}
	if version != "" && model.Model.Info != nil {
		model.Model.Info.Version = version
	}

	rendered, err := model.Model.Render()
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI as YAML: %w", err)
	}
	jsonData, err := model.Model.RenderJSON("  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render OpenAPI as JSON: %w", err)
	}
	return &Spec{model: &model.Model, yamlData: rendered, jsonData: jsonData}, nil
}

func (s *Spec) Version() string {
	if s.model.Info == nil {
		return ""
	}
	return s.model.Info.Version
}

func (s *Spec) YAML() []byte { return s.yamlData }
func (s *Spec) JSON() []byte { return s.jsonData }

// Operations lists every declared operation as "METHOD /path", sorted.
func (s *Spec) Operations() []string {
	var ops []string
	if s.model.Paths == nil {
		return ops
	}
	for path, item := range s.model.Paths.PathItems.FromOldest() {
		for _, m := range []struct {
			method string
			op     *v3high.Operation
		}{
			{http.MethodGet, item.Get},
			{http.MethodPost, item.Post},
			{http.MethodPut, item.Put},
			{http.MethodDelete, item.Delete},
		} {
			if m.op != nil {
				ops = append(ops, m.method+" "+path)
			}
		}
	}
	sort.Strings(ops)
	return ops
}

// ValidateRoutes checks that every declared operation has a handler.
// registered maps "METHOD /path" to true.
func (s *Spec) ValidateRoutes(registered map[string]bool) error {
	var missing []string
	for _, op := range s.Operations() {
		if !registered[op] {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("OpenAPI declares operations with no handler: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Handler serves the document as JSON, or YAML when ?format=yaml or the
// Accept header asks for it.
func (s *Spec) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "yaml" || (format == "" && strings.Contains(r.Header.Get("Accept"), "yaml")) {
			w.Header().Set("Content-Type", "application/x-yaml")
			w.Write(s.yamlData)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(s.jsonData)
	})
}
