package rag

import (
	"fmt"

	"github.com/google/uuid"
)

// chunksNamespace roots every chunk's deterministic point ID: a fixed
// namespace UUID derived from the standard URL namespace.
var chunksNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("podscribe-pipeline/chunks"))

// chunkID returns the deterministic point ID for chunk index i of an
// episode: uuid5(chunks_namespace, "{episode_id}_{index}"). Reingesting the
// same episode produces the same IDs, so the vector store upsert overwrites
// rather than duplicates.
func chunkID(episodeID string, index int) string {
	return uuid.NewSHA1(chunksNamespace, []byte(fmt.Sprintf("%s_%d", episodeID, index))).String()
}
