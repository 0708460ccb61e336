package openapi

import (
	"context"
	"testing"

	"github.com/jmylchreest/specprobe/internal/models"
)

// reloadEndpoints parses a serialised chunk and returns its flattened
// endpoint list.
func reloadEndpoints(t *testing.T, chunk []byte) []models.Endpoint {
	t.Helper()
	doc, err := LoadData(context.Background(), chunk)
	if err != nil {
		t.Fatalf("LoadData(chunk) error = %v", err)
	}
	return doc.Snapshot.Endpoints
}

// Chunking at any size partitions the endpoint set: every source endpoint
// appears in exactly one chunk, none are invented.
func TestChunk_PartitionsEndpoints(t *testing.T) {
	doc := loadFixture(t)
	total := len(doc.Snapshot.Endpoints)

	for _, size := range []int{1, 2, 3, 4, 5, total} {
		wantChunks := (total + size - 1) / size

		chunks, err := Chunk(doc, size)
		if err != nil {
			t.Fatalf("Chunk(size=%d) error = %v", size, err)
		}
		if len(chunks) != wantChunks {
			t.Errorf("Chunk(size=%d) = %d chunks, want %d", size, len(chunks), wantChunks)
		}

		seen := map[string]int{}
		for _, chunk := range chunks {
			for _, ep := range reloadEndpoints(t, chunk) {
				seen[ep.Method+" "+ep.Path]++
			}
		}
		if len(seen) != total {
			t.Errorf("size=%d: union has %d endpoints, want %d: %v", size, len(seen), total, seen)
		}
		for _, ep := range doc.Snapshot.Endpoints {
			key := ep.Method + " " + ep.Path
			if seen[key] != 1 {
				t.Errorf("size=%d: endpoint %s appears %d times, want exactly once", size, key, seen[key])
			}
		}
	}
}

// At size 1 the boundary falls inside /items and /items/{id}, which both
// carry two methods: each chunk must hold a single operation, with the
// sibling method stripped from the copied path item.
func TestChunk_SplitsPathItemAcrossBoundary(t *testing.T) {
	doc := loadFixture(t)

	chunks, err := Chunk(doc, 1)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunks) != len(doc.Snapshot.Endpoints) {
		t.Fatalf("chunks = %d, want %d", len(chunks), len(doc.Snapshot.Endpoints))
	}

	for i, chunk := range chunks {
		eps := reloadEndpoints(t, chunk)
		if len(eps) != 1 {
			t.Fatalf("chunk[%d] has %d endpoints, want 1: %v", i, len(eps), eps)
		}
		want := doc.Snapshot.Endpoints[i]
		if eps[0].Method != want.Method || eps[0].Path != want.Path {
			t.Errorf("chunk[%d] = %s %s, want %s %s", i, eps[0].Method, eps[0].Path, want.Method, want.Path)
		}
	}
}

// Each chunk is a standalone document: info, servers, security schemes and
// global security survive, and per-operation details parse back intact.
func TestChunk_PreservesDocumentContext(t *testing.T) {
	doc := loadFixture(t)

	chunks, err := Chunk(doc, 1)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}

	// chunk index 5 holds DELETE /items/{id}, the last flattened endpoint
	sub, err := LoadData(context.Background(), chunks[5])
	if err != nil {
		t.Fatalf("LoadData(chunk) error = %v", err)
	}
	snap := sub.Snapshot
	if snap.Title != "Scanner Fixture" || snap.Version != "1.2.3" {
		t.Errorf("title/version = %q/%q", snap.Title, snap.Version)
	}
	if len(snap.Servers) != 2 {
		t.Errorf("servers = %v", snap.Servers)
	}
	if len(snap.GlobalSecurity) != 1 {
		t.Errorf("global security = %v", snap.GlobalSecurity)
	}
	if len(snap.Schemes) != 4 {
		t.Errorf("schemes = %d, want 4", len(snap.Schemes))
	}

	ep := snap.Endpoints[0]
	if ep.Method != "DELETE" || ep.Path != "/items/{id}" {
		t.Fatalf("endpoint = %s %s", ep.Method, ep.Path)
	}
	if len(ep.Parameters) != 1 || ep.Parameters[0].Name != "id" {
		t.Errorf("parameters = %v, operation parameters must survive the split", ep.Parameters)
	}
}

func TestChunk_DefaultSizeWhenNonPositive(t *testing.T) {
	doc := loadFixture(t)

	chunks, err := Chunk(doc, 0)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	want := (len(doc.Snapshot.Endpoints) + DefaultChunkSize - 1) / DefaultChunkSize
	if len(chunks) != want {
		t.Errorf("Chunk(size=0) = %d chunks, want %d", len(chunks), want)
	}
}
