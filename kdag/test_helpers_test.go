package kdag

// fakeCatalog implements Catalog for testing
type fakeCatalog struct {
	stages   []string
	reducers []string
}

func (c fakeCatalog) HasStage(kind string) bool {
	for _, s := range c.stages {
		if s == kind {
			return true
		}
	}
	return false
}

func (c fakeCatalog) HasReducer(kind string) bool {
	for _, r := range c.reducers {
		if r == kind {
			return true
		}
	}
	return false
}

var testCatalog = fakeCatalog{
	stages:   []string{"forward", "merge", "segmenter", "encoder", "indexer"},
	reducers: []string{"merge_topk"},
}

// chain builds a -> b -> c -> ... with default needs.
func chain(names ...string) *Builder {
	b := NewBuilder()
	for _, n := range names {
		b.MustAdd(StageSpec{Name: n})
	}
	return b
}
