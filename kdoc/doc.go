// Package kdoc holds the document model and the Envelope that carries a batch
// of documents hop by hop through a compiled topology.
//
// Documents are opaque to the orchestrator except for the parts needed to
// merge sharded search results: document and chunk IDs, and the ranked
// Matches of each query unit (see QueryUnits).
package kdoc
