package kstage

import (
	"context"

	"github.com/birdayz/kflow/kdoc"
)

// Built-in stage and reducer kinds.
const (
	KindForward   = "forward"
	KindMerge     = "merge"
	KindSegmenter = "segmenter"
	KindEncoder   = "encoder"
	KindIndexer   = "indexer"
	KindCompound  = "compound"

	KindMergeTopK = "merge_topk"
)

type forward struct{}

func newForward(Params) (Stage, error) {
	return forward{}, nil
}

// Process returns the batch unchanged.
func (forward) Process(_ context.Context, _ Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	return docs, nil
}

// Forward returns a stage that passes batches through.
func Forward() Stage {
	return forward{}
}
