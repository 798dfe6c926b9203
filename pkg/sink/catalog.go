package sink

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Sternrassler/newstore-tap/pkg/stream"
)

// CatalogEntry describes one stream in a discovery catalog.
type CatalogEntry struct {
	TapStreamID    string         `json:"tap_stream_id"`
	Stream         string         `json:"stream"`
	KeyProperties  []string       `json:"key_properties"`
	ReplicationKey string         `json:"replication_key,omitempty"`
	Parent         string         `json:"parent_stream,omitempty"`
	Schema         map[string]any `json:"schema"`
}

// Catalog is the discovery output.
type Catalog struct {
	Streams []CatalogEntry `json:"streams"`
}

// BuildCatalog describes descs in the given order.
func BuildCatalog(descs []*stream.Descriptor) Catalog {
	cat := Catalog{Streams: make([]CatalogEntry, 0, len(descs))}
	for _, d := range descs {
		cat.Streams = append(cat.Streams, CatalogEntry{
			TapStreamID:    d.Name,
			Stream:         d.Name,
			KeyProperties:  keyProperties(d),
			ReplicationKey: d.ReplicationKey,
			Parent:         d.Parent,
			Schema:         d.Schema.JSONSchema(),
		})
	}
	return cat
}

// WriteCatalog writes the catalog of descs as indented JSON.
func WriteCatalog(w io.Writer, descs []*stream.Descriptor) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(BuildCatalog(descs)); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
