// Package kdag compiles document-pipeline topologies.
//
// # Overview
//
// A topology is a set of StageSpecs connected by their needs. The package
// separates declaration from layout through a two-phase architecture:
//
// 1. **Build Phase**: add stages to a Builder (or load them from YAML) and
// validate them into an immutable Graph
// 2. **Compile Phase**: lay the Graph out as a Plan, the set of runtime units
// each stage group consists of
//
// # Basic Usage
//
//	b := kdag.NewBuilder()
//	b.MustAdd(kdag.StageSpec{Name: "segment", Uses: "segmenter"}).
//	    MustAdd(kdag.StageSpec{Name: "encode", Uses: "encoder", Replicas: 2}).
//	    MustAdd(kdag.StageSpec{
//	        Name:               "index",
//	        Uses:               "indexer",
//	        Replicas:           3,
//	        SeparatedWorkspace: true,
//	        Polling:            kdag.PollAll,
//	        ReducingUses:       "merge_topk",
//	    })
//
//	graph, err := b.Build(kdag.WithCatalog(kstage.DefaultRegistry()))
//	if err != nil {
//	    // *kdag.TopologyError
//	}
//	plan, err := graph.Compile(kdag.OptimizeNone)
//
// A stage without needs depends on the stage added before it; the first stage
// depends on the gateway. A stage with several needs is a join: its entry
// unit waits for one envelope from every predecessor.
//
// # Validation
//
//   - Names are unique, non-empty and free of whitespace and '/'
//   - Every need names a stage of the graph or the gateway
//   - The graph is acyclic; a cycle is reported as a *CycleError with its path
//   - With a Catalog, every stage kind and reducer kind is registered
//
// # Layout
//
// A stage with one replica compiles to a single worker unit. A stage with R
// replicas compiles to R workers plus a head, which fans envelopes out, and a
// tail, which collects the parts and runs the reducer when the stage polls
// all shards. OptimizeNone adds a gateway unit; OptimizeIgnoreGateway runs the
// gateway inside the client.
package kdag
