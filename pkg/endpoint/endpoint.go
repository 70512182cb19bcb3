// Package endpoint builds collection URLs relative to an API root.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// Resolver turns collection names into first-page and paginated URLs.
type Resolver struct {
	root string
}

// New creates a resolver for the given API root (e.g. "https://rickandmortyapi.com/api").
func New(root string) Resolver {
	return Resolver{root: strings.TrimRight(root, "/")}
}

// Root returns the normalized API root.
func (r Resolver) Root() string {
	return r.root
}

// FirstPage returns {root}/{collection}.
func (r Resolver) FirstPage(collection string) string {
	return r.root + "/" + url.PathEscape(collection)
}

// Page returns {root}/{collection}?page={n}.
func (r Resolver) Page(collection string, n int) string {
	return fmt.Sprintf("%s?page=%d", r.FirstPage(collection), n)
}
