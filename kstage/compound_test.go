package kstage

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/kflow/kdoc"
)

func tagStage(tag string) Stage {
	return StageFunc(func(_ context.Context, call Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
		for _, d := range docs {
			d.Text += tag + ":" + string(call.Kind) + ";"
		}
		return docs, nil
	})
}

func TestCompound(t *testing.T) {
	ctx := context.Background()

	t.Run("routes and fallback", func(t *testing.T) {
		c, err := NewCompound([]string{"a", "b"}, map[string]Stage{"a": tagStage("a"), "b": tagStage("b")})
		assert.NoError(t, err)
		assert.NoError(t, c.AddRoute(kdoc.CallSearch, Route{Component: "b", Kind: kdoc.CallIndex}))

		docs := []*kdoc.Document{{ID: 1}}
		_, err = c.Process(ctx, Call{Kind: kdoc.CallSearch}, docs)
		assert.NoError(t, err)
		assert.Equal(t, "b:index;", docs[0].Text)

		docs = []*kdoc.Document{{ID: 1}}
		_, err = c.Process(ctx, Call{Kind: kdoc.CallIndex}, docs)
		assert.NoError(t, err)
		assert.Equal(t, "a:index;b:index;", docs[0].Text)
	})

	t.Run("unknown component", func(t *testing.T) {
		c, err := NewCompound([]string{"a"}, map[string]Stage{"a": tagStage("a")})
		assert.NoError(t, err)
		err = c.AddRoute(kdoc.CallIndex, Route{Component: "zzz"})
		assert.True(t, errors.Is(err, ErrUnknownComponent))

		_, err = NewCompound([]string{"a", "b"}, map[string]Stage{"a": tagStage("a")})
		assert.True(t, errors.Is(err, ErrUnknownComponent))
	})

	t.Run("strict compound rejects unrouted calls", func(t *testing.T) {
		s, err := DefaultRegistry().NewStage(KindCompound, Params{
			"strict": true,
			"components": []any{
				map[string]any{"name": "fw", "uses": "forward"},
			},
			"routes": map[string]any{
				"index": map[string]any{"component": "fw"},
			},
		})
		assert.NoError(t, err)

		_, err = s.Process(ctx, Call{Kind: kdoc.CallIndex}, nil)
		assert.NoError(t, err)
		_, err = s.Process(ctx, Call{Kind: kdoc.CallSearch}, nil)
		assert.True(t, errors.Is(err, ErrNoRoute))
	})

	t.Run("encoder and indexer behind one stage", func(t *testing.T) {
		params := Params{
			"components": []any{
				map[string]any{"name": "enc", "uses": "encoder", "with": map[string]any{"dims": 8}},
				map[string]any{"name": "idx", "uses": "indexer"},
			},
		}
		s, err := DefaultRegistry().NewStage(KindCompound, params)
		assert.NoError(t, err)
		root := t.TempDir()
		c := &Context{Root: root, Namespace: "cmp", Workspace: root + "/cmp"}
		assert.NoError(t, Init(s, c))

		_, err = s.Process(ctx, Call{Kind: kdoc.CallIndex}, []*kdoc.Document{{ID: 1, Text: "hello"}})
		assert.NoError(t, err)

		q := []*kdoc.Document{{ID: 9, Text: "hello"}}
		_, err = s.Process(ctx, Call{Kind: kdoc.CallSearch}, q)
		assert.NoError(t, err)
		assert.Equal(t, 1, len(q[0].Matches))
		assert.Equal(t, uint64(1), q[0].Matches[0].ID)

		// Routes added at runtime survive a restart.
		cs := s.(*Compound)
		assert.NoError(t, cs.AddRoute(kdoc.CallSearch, Route{Component: "enc"}))
		assert.NoError(t, Close(s))

		s, err = DefaultRegistry().NewStage(KindCompound, params)
		assert.NoError(t, err)
		assert.NoError(t, Init(s, c))
		defer Close(s)
		r, ok := s.(*Compound).Route(kdoc.CallSearch)
		assert.True(t, ok)
		assert.Equal(t, Route{Component: "enc", Kind: kdoc.CallSearch}, r)
	})
}
