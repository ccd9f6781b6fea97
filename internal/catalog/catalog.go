// Package catalog holds the static command whitelist. Anything not present
// here is rejected at enqueue time, which is the single enforcement point
// against arbitrary command injection.
package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotWhitelisted is returned for command ids absent from the catalog.
	ErrNotWhitelisted = errors.New("command is not whitelisted")
	// ErrInvalidParams is returned when params do not satisfy the schema.
	ErrInvalidParams = errors.New("invalid command parameters")
)

// Param declares one parameter of a whitelisted command.
type Param struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required" json:"required"`
}

// Entry is one whitelisted command and its schema.
type Entry struct {
	ID             string  `yaml:"id" json:"id"`
	Category       string  `yaml:"category" json:"category"`
	Params         []Param `yaml:"params" json:"params"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Catalog is the loaded whitelist. Immutable after Load; safe for
// concurrent reads without locking.
type Catalog struct {
	entries map[string]Entry
	order   []string
}

type catalogFile struct {
	Commands []Entry `yaml:"commands"`
}

// Load reads and parses the catalog YAML at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Commands) == 0 {
		return nil, fmt.Errorf("catalog defines no commands")
	}

	c := &Catalog{entries: make(map[string]Entry, len(f.Commands))}
	for _, e := range f.Commands {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry with empty id")
		}
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %q", e.ID)
		}
		if e.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("catalog entry %q: timeout_seconds must be > 0", e.ID)
		}
		c.entries[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	return c, nil
}

// Get returns the entry for a command id.
func (c *Catalog) Get(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Entries returns all entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Validate checks a command id and its params against the schema.
// Unknown id is ErrNotWhitelisted; a missing required parameter or a
// parameter outside the schema is ErrInvalidParams.
func (c *Catalog) Validate(id string, params map[string]string) error {
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%q: %w", id, ErrNotWhitelisted)
	}

	declared := make(map[string]Param, len(e.Params))
	for _, p := range e.Params {
		declared[p.Name] = p
	}
	for _, p := range e.Params {
		if p.Required {
			if v, present := params[p.Name]; !present || v == "" {
				return fmt.Errorf("%q: missing required parameter %q: %w", id, p.Name, ErrInvalidParams)
			}
		}
	}
	for name := range params {
		if _, known := declared[name]; !known {
			return fmt.Errorf("%q: unknown parameter %q: %w", id, name, ErrInvalidParams)
		}
	}
	return nil
}
