package openapi

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// DefaultChunkSize is the number of endpoints per chunk document.
const DefaultChunkSize = 4

// Chunk partitions the document's endpoints into contiguous runs of size
// endpoints and materialises each run as a standalone OpenAPI document:
// top-level fields are preserved and paths is replaced with exactly the
// run's operations. A path item is split per method when a boundary falls
// inside it. Returns ceil(len(endpoints)/size) serialised documents.
func Chunk(doc *Document, size int) ([][]byte, error) {
	if size < 1 {
		size = DefaultChunkSize
	}
	endpoints := doc.Snapshot.Endpoints

	chunks := make([][]byte, 0, (len(endpoints)+size-1)/size)
	for start := 0; start < len(endpoints); start += size {
		end := min(start+size, len(endpoints))

		chunk := &openapi3.T{
			OpenAPI:    doc.T.OpenAPI,
			Info:       doc.T.Info,
			Servers:    doc.T.Servers,
			Components: doc.T.Components,
			Security:   doc.T.Security,
			Paths:      openapi3.NewPaths(),
		}

		for _, ep := range endpoints[start:end] {
			src := doc.T.Paths.Value(ep.Path)
			if src == nil {
				return nil, fmt.Errorf("path %s missing from source document", ep.Path)
			}
			item := chunk.Paths.Value(ep.Path)
			if item == nil {
				item = &openapi3.PathItem{
					Summary:     src.Summary,
					Description: src.Description,
					Parameters:  src.Parameters,
					Servers:     src.Servers,
				}
				chunk.Paths.Set(ep.Path, item)
			}
			item.SetOperation(ep.Method, src.GetOperation(ep.Method))
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk: %w", err)
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}
