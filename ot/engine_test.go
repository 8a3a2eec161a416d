package ot

import "testing"

func TestJupiterEngine_TransformIncoming(t *testing.T) {
	engine := &JupiterEngine{}

	t.Run("no history to transform against", func(t *testing.T) {
		op := NewInsert("u1", 0, "x", 0)
		result := engine.TransformIncoming(op, nil)
		if result.Position != op.Position {
			t.Errorf("position changed: %d vs %d", result.Position, op.Position)
		}
	})

	t.Run("transform against one operation", func(t *testing.T) {
		// Server applied: insert "X" at 0 → "Xhello"
		history := []Operation{NewInsert("server", 0, "X", 0)}
		clientOp := NewInsert("u1", 5, "Y", 0)

		result := engine.TransformIncoming(clientOp, history)
		got, _ := Apply("Xhello", result)
		if got != "XhelloY" {
			t.Errorf("got %q, want %q", got, "XhelloY")
		}
	})

	t.Run("transform against multiple operations", func(t *testing.T) {
		// "abc" → "Xabc" → "XabcY"
		history := []Operation{
			NewInsert("s1", 0, "X", 0),
			NewInsert("s2", 4, "Y", 1),
		}
		// Client at revision 0 deletes 'b'.
		clientOp := NewDelete("u1", 1, 1, 0)

		result := engine.TransformIncoming(clientOp, history)
		got, _ := Apply("XabcY", result)
		if got != "XacY" {
			t.Errorf("got %q, want %q", got, "XacY")
		}
	})
}

// TestConvergence simulates multiple clients making concurrent edits
// against the same base version and checks the folded result.
func TestConvergence(t *testing.T) {
	engine := &JupiterEngine{}

	tests := []struct {
		name string
		doc  string
		ops  []Operation // concurrent operations, all at revision 0
		want string
	}{
		{
			"two inserts at different positions",
			"abc",
			[]Operation{
				NewInsert("u1", 0, "X", 0),
				NewInsert("u2", 3, "Y", 0),
			},
			"XabcY",
		},
		{
			"insert and delete",
			"abc",
			[]Operation{
				NewInsert("u1", 1, "X", 0),
				NewDelete("u2", 1, 1, 0),
			},
			"aXc",
		},
		{
			"three concurrent inserts",
			"abc",
			[]Operation{
				NewInsert("u1", 0, "1", 0),
				NewInsert("u2", 1, "2", 0),
				NewInsert("u3", 2, "3", 0),
			},
			"1a2b3c",
		},
		{
			"three inserts at the same position, submitted 3,1,2",
			"",
			[]Operation{
				NewInsert("3", 0, "EF", 0),
				NewInsert("1", 0, "AB", 0),
				NewInsert("2", 0, "CD", 0),
			},
			"ABCDEF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument("doc", tt.doc)

			for _, op := range tt.ops {
				concurrent, err := doc.Concurrent(op.BaseVersion)
				if err != nil {
					t.Fatalf("Concurrent error: %v", err)
				}
				doc.Apply(engine.TransformIncoming(op, concurrent))
			}

			if doc.Text != tt.want {
				t.Errorf("got %q, want %q", doc.Text, tt.want)
			}
		})
	}
}
