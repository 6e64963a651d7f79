// Package catalog loads the static list of portfolio content items and
// derives the credential registry for the protected ones.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Valid item categories.
var categories = map[string]bool{
	"product-design": true,
	"ux-design":      true,
	"research":       true,
	"prototype":      true,
}

// Item is one unit of portfolio content.
type Item struct {
	Slug      string   `yaml:"slug"`
	Title     string   `yaml:"title"`
	Category  string   `yaml:"category"`
	Tags      []string `yaml:"tags,omitempty"`
	Featured  bool     `yaml:"featured,omitempty"`
	Protected bool     `yaml:"protected"`
	Secret    string   `yaml:"secret,omitempty"`
}

// Catalog is the immutable set of content items, keyed by slug.
type Catalog struct {
	items []Item
	index map[string]int
}

type document struct {
	Items []Item `yaml:"items"`
}

// Load reads and validates a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog document. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return New(doc.Items)
}

// New validates items and builds a Catalog from them.
func New(items []Item) (*Catalog, error) {
	c := &Catalog{
		items: make([]Item, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for i, it := range items {
		if it.Slug == "" {
			return nil, fmt.Errorf("item %d: slug is required", i)
		}
		if _, dup := c.index[it.Slug]; dup {
			return nil, fmt.Errorf("item %q: duplicate slug", it.Slug)
		}
		if it.Category != "" && !categories[it.Category] {
			return nil, fmt.Errorf("item %q: unknown category %q", it.Slug, it.Category)
		}
		if it.Protected && it.Secret == "" {
			return nil, fmt.Errorf("item %q: protected items need a secret", it.Slug)
		}
		if !it.Protected && it.Secret != "" {
			return nil, fmt.Errorf("item %q: secret set on an unprotected item", it.Slug)
		}
		c.index[it.Slug] = len(c.items)
		c.items = append(c.items, it)
	}
	return c, nil
}

// Lookup returns the item with the given slug.
func (c *Catalog) Lookup(slug string) (Item, bool) {
	i, ok := c.index[slug]
	if !ok {
		return Item{}, false
	}
	return c.items[i], true
}

// Items returns the items in file order.
func (c *Catalog) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// Credentials returns slug -> secret for every protected item.
func (c *Catalog) Credentials() map[string]string {
	creds := make(map[string]string)
	for _, it := range c.items {
		if it.Protected {
			creds[it.Slug] = it.Secret
		}
	}
	return creds
}
