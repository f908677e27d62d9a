package rag

import (
	"testing"
)

func Test_ChunkID_Deterministic(t *testing.T) {
	t.Parallel()

	a := ChunkID("doc-1", 3)
	b := ChunkID("doc-1", 3)
	if a != b {
		t.Errorf("ChunkID not deterministic: %q vs %q", a, b)
	}
	if a == ChunkID("doc-1", 4) {
		t.Error("ChunkID must differ across chunk indexes")
	}
	if a == ChunkID("doc-2", 3) {
		t.Error("ChunkID must differ across documents")
	}
}

func Test_PointID_IsStableUUID(t *testing.T) {
	t.Parallel()

	a := pointID(ChunkID("doc-1", 0))
	b := pointID(ChunkID("doc-1", 0))
	if a != b {
		t.Errorf("pointID not deterministic: %q vs %q", a, b)
	}
	// 8-4-4-4-12 layout expected by Qdrant's UUID point IDs.
	if len(a) != 36 {
		t.Errorf("pointID %q is not UUID-shaped", a)
	}
}

func Test_ChunkPayload_DropsReservedMetadataKeys(t *testing.T) {
	t.Parallel()

	c := Chunk{
		ID:         ChunkID("doc-1", 0),
		DocumentID: "doc-1",
		Index:      0,
		Text:       "the actual content",
		Metadata: map[string]string{
			"content":     "attacker controlled",
			"doc_id":      "spoofed",
			"chunk_index": "99",
			"Embedding":   "junk",
			"title":       "kept",
		},
	}

	payload := chunkPayload(c)

	if payload[payloadContent] != "the actual content" {
		t.Errorf("content overwritten by metadata: %v", payload[payloadContent])
	}
	if payload[payloadDocID] != "doc-1" {
		t.Errorf("doc_id overwritten by metadata: %v", payload[payloadDocID])
	}
	if payload[payloadChunkIndex] != int64(0) {
		t.Errorf("chunk_index overwritten by metadata: %v", payload[payloadChunkIndex])
	}
	if _, ok := payload["Embedding"]; ok {
		t.Error("reserved key check must be case-insensitive")
	}
	if payload["title"] != "kept" {
		t.Error("non-reserved metadata must pass through")
	}
}

func Test_DistanceFromName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cosine", "Cosine", "euclid", "euclidean", "dot", "manhattan"} {
		if _, err := distanceFromName(name); err != nil {
			t.Errorf("distanceFromName(%q): unexpected error %v", name, err)
		}
	}
	if _, err := distanceFromName("hamming"); err == nil {
		t.Error("distanceFromName: want error for unsupported metric")
	}
}
