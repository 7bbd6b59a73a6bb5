package router

import (
	"sort"
	"strings"
)

// OpenAPIOptions configures GenerateOpenAPIDoc's info block.
type OpenAPIOptions struct {
	Title       string
	Version     string
	Description string
}

// OpenAPIDoc is the synthesized OpenAPI 3.0.0 document shape.
type OpenAPIDoc struct {
	OpenAPI string                          `json:"openapi"`
	Info    OpenAPIInfo                     `json:"info"`
	Paths   map[string]map[string]OpenAPIOp `json:"paths"`
	Tags    []string                        `json:"tags"`
}

type OpenAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type OpenAPIOp struct {
	Tags        []string       `json:"tags,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Security    []SecurityItem `json:"security"`
}

// SecurityItem is one OpenAPI security requirement entry.
type SecurityItem map[string][]string

// rewriteParams rewrites :name path segments to {name}, including
// parameters mid-path.
func rewriteParams(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			segments[i] = "{" + strings.TrimPrefix(seg, ":") + "}"
		} else if strings.Contains(seg, ":") {
			var b strings.Builder
			parts := strings.Split(seg, ":")
			b.WriteString(parts[0])
			for _, p := range parts[1:] {
				b.WriteString("{")
				b.WriteString(p)
				b.WriteString("}")
			}
			segments[i] = b.String()
		}
	}
	return strings.Join(segments, "/")
}

// GenerateOpenAPIDoc synthesizes an OpenAPI 3.0.0 document over every
// currently registered route.
func (r *Router) GenerateOpenAPIDoc(opts OpenAPIOptions) OpenAPIDoc {
	title := opts.Title
	if title == "" {
		title = "API Documentation"
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	r.mu.Lock()
	routes := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	r.mu.Unlock()

	paths := make(map[string]map[string]OpenAPIOp)
	tagSet := make(map[string]bool)
	for _, route := range routes {
		p := rewriteParams(route.Path)
		if paths[p] == nil {
			paths[p] = make(map[string]OpenAPIOp)
		}
		security := []SecurityItem{}
		if route.Options.Auth {
			security = []SecurityItem{{"bearerAuth": []string{}}}
		}
		for _, tag := range route.Options.Tags {
			tagSet[tag] = true
		}
		paths[p][strings.ToLower(route.Method)] = OpenAPIOp{
			Tags:        route.Options.Tags,
			Summary:     route.Options.Summary,
			Description: route.Options.Description,
			Security:    security,
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return OpenAPIDoc{
		OpenAPI: "3.0.0",
		Info:    OpenAPIInfo{Title: title, Version: version, Description: opts.Description},
		Paths:   paths,
		Tags:    tags,
	}
}
