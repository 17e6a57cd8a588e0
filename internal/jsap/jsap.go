// Package jsap reads JSON application profiles: the endpoint, namespace
// prefixes, named SPARQL operations and extended catalog data shared by the
// knowledge-store client and the station/place configuration.
package jsap

import (
	"encoding/json"
	"fmt"
	"os"
)

// Binding describes a forced binding of a named operation.
type Binding struct {
	Type     string `json:"type"` // "uri" or "literal"
	Datatype string `json:"datatype,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Operation is a parameterised SPARQL query or update.
type Operation struct {
	SPARQL         string             `json:"sparql"`
	ForcedBindings map[string]Binding `json:"forcedBindings,omitempty"`
}

type Endpoint struct {
	Path   string `json:"path"`
	Method string `json:"method,omitempty"`
}

type Protocol struct {
	Protocol string   `json:"protocol"`
	Port     int      `json:"port"`
	Query    Endpoint `json:"query"`
	Update   Endpoint `json:"update"`
}

// Document is the merged content of one or more JSAP files.
type Document struct {
	Host       string                     `json:"host"`
	Protocol   Protocol                   `json:"sparql11protocol"`
	Namespaces map[string]string          `json:"namespaces"`
	Queries    map[string]Operation       `json:"queries"`
	Updates    map[string]Operation       `json:"updates"`
	Extended   map[string]json.RawMessage `json:"extended"`
}

// Load reads and merges the given files in order; keys in later files
// replace those in earlier ones.
func Load(paths ...string) (*Document, error) {
	doc := &Document{
		Namespaces: map[string]string{},
		Queries:    map[string]Operation{},
		Updates:    map[string]Operation{},
		Extended:   map[string]json.RawMessage{},
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read jsap %s: %w", path, err)
		}
		if err := doc.merge(data); err != nil {
			return nil, fmt.Errorf("parse jsap %s: %w", path, err)
		}
	}
	return doc, nil
}

// Parse builds a document from a single JSON payload.
func Parse(data []byte) (*Document, error) {
	doc := &Document{
		Namespaces: map[string]string{},
		Queries:    map[string]Operation{},
		Updates:    map[string]Operation{},
		Extended:   map[string]json.RawMessage{},
	}
	if err := doc.merge(data); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) merge(data []byte) error {
	var next Document
	if err := json.Unmarshal(data, &next); err != nil {
		return err
	}

	if next.Host != "" {
		d.Host = next.Host
	}
	if next.Protocol.Protocol != "" {
		d.Protocol.Protocol = next.Protocol.Protocol
	}
	if next.Protocol.Port != 0 {
		d.Protocol.Port = next.Protocol.Port
	}
	if next.Protocol.Query.Path != "" {
		d.Protocol.Query = next.Protocol.Query
	}
	if next.Protocol.Update.Path != "" {
		d.Protocol.Update = next.Protocol.Update
	}
	for k, v := range next.Namespaces {
		d.Namespaces[k] = v
	}
	for k, v := range next.Queries {
		d.Queries[k] = v
	}
	for k, v := range next.Updates {
		d.Updates[k] = v
	}
	for k, v := range next.Extended {
		d.Extended[k] = v
	}
	return nil
}

// ExtendedData decodes the extended entry key into v. It reports false when
// the key is absent.
func (d *Document) ExtendedData(key string, v any) (bool, error) {
	raw, ok := d.Extended[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode extended %q: %w", key, err)
	}
	return true, nil
}
