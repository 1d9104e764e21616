package adproxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Resource is a substitute response served for redirect rules.
type Resource struct {
	Name        string
	ContentType string
	Body        []byte
}

// ResourceStore resolves redirect resource names. It is safe for
// concurrent use.
type ResourceStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// Built-in resources and the aliases filter lists use for them.
var builtinResources = []struct {
	names       []string
	contentType string
	data        string // base64
}{
	{[]string{"noopjs", "noop.js", "blank-js"}, "application/javascript", base64.StdEncoding.EncodeToString([]byte("(function() {})();"))},
	{[]string{"noopcss", "noop.css", "blank-css"}, "text/css", ""},
	{[]string{"nooptext", "noop.txt", "blank-text"}, "text/plain", ""},
	{[]string{"noopjson", "noop.json"}, "application/json", base64.StdEncoding.EncodeToString([]byte("{}"))},
	{[]string{"noophtml", "noop.html", "blank-html"}, "text/html", base64.StdEncoding.EncodeToString([]byte("<!DOCTYPE html>"))},
	{[]string{"noopframe", "noop.html"}, "text/html", base64.StdEncoding.EncodeToString([]byte("<!DOCTYPE html><html><head></head><body></body></html>"))},
	{[]string{"1x1.gif", "1x1-transparent.gif", "1x1-transparent-gif"}, "image/gif", "R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"},
	{[]string{"2x2.png", "2x2-transparent.png", "2x2-transparent-png"}, "image/png", "iVBORw0KGgoAAAANSUhEUgAAAAIAAAACCAYAAABytg0kAAAAC0lEQVR4nGNgQAcAABIAAXfx+gAAAAAASUVORK5CYII="},
	{[]string{"3x2.png", "3x2-transparent.png", "3x2-transparent-png"}, "image/png", "iVBORw0KGgoAAAANSUhEUgAAAAMAAAACCAYAAACddGYaAAAAC0lEQVR4nGNgwAUAABoAAbw84EEAAAAASUVORK5CYII="},
	{[]string{"empty", "noopmp3-0.1s"}, "text/plain", ""},
}

// NewResourceStore returns a store preloaded with the built-in resources.
func NewResourceStore() *ResourceStore {
	s := &ResourceStore{resources: make(map[string]*Resource)}
	for _, b := range builtinResources {
		body, err := base64.StdEncoding.DecodeString(b.data)
		if err != nil {
			panic(fmt.Sprintf("builtin resource %s: %v", b.names[0], err))
		}
		for _, name := range b.names {
			if _, ok := s.resources[name]; ok {
				continue
			}
			s.resources[name] = &Resource{Name: name, ContentType: b.contentType, Body: body}
		}
	}
	return s
}

// Get returns the resource registered under name.
func (s *ResourceStore) Get(name string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[name]
	return r, ok
}

// Add registers r, replacing any resource with the same name.
func (s *ResourceStore) Add(r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.Name] = &r
}

// Len returns the number of registered names.
func (s *ResourceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

// resourceFile is the on-disk resource format: a map from name to a
// content type and base64 data.
type resourceFile map[string]struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// LoadJSON adds the resources described by r. Content types may carry a
// ";base64" suffix, which is ignored.
func (s *ResourceStore) LoadJSON(r io.Reader) (int, error) {
	var f resourceFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("decode resources: %w", err)
	}
	loaded := make([]Resource, 0, len(f))
	for name, res := range f {
		body, err := base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			return 0, fmt.Errorf("resource %s: %w", name, err)
		}
		ct := strings.TrimSuffix(res.ContentType, ";base64")
		if ct == "" {
			ct = "application/octet-stream"
		}
		loaded = append(loaded, Resource{Name: name, ContentType: ct, Body: body})
	}
	for _, res := range loaded {
		s.Add(res)
	}
	return len(loaded), nil
}

// LoadFile is LoadJSON on the named file.
func (s *ResourceStore) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open resources: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.LoadJSON(f)
}
