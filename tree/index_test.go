package tree

import (
	"errors"
	"testing"
)

func TestIndexerNodeIndex(t *testing.T) {
	ix := Indexer{Height: 3}
	tests := []struct {
		pos  Position
		want uint64
	}{
		{Position{Level: 3, Index: 0}, 0},
		{Position{Level: 2, Index: 0}, 1},
		{Position{Level: 2, Index: 1}, 2},
		{Position{Level: 1, Index: 3}, 6},
		{Position{Level: 0, Index: 0}, 7},
		{Position{Level: 0, Index: 7}, 14},
	}
	for _, tt := range tests {
		got, err := ix.NodeIndex(tt.pos)
		if err != nil {
			t.Fatalf("NodeIndex(%+v): %v", tt.pos, err)
		}
		if got != tt.want {
			t.Errorf("NodeIndex(%+v) = %d, want %d", tt.pos, got, tt.want)
		}
	}
}

func TestIndexerPositionRoundTrip(t *testing.T) {
	for _, height := range []uint8{1, 2, 5, 8} {
		ix := Indexer{Height: height}
		total := 2*ix.Capacity() - 1
		for n := uint64(0); n < total; n++ {
			p, err := ix.Position(n)
			if err != nil {
				t.Fatalf("height %d: Position(%d): %v", height, n, err)
			}
			back, err := ix.NodeIndex(p)
			if err != nil {
				t.Fatalf("height %d: NodeIndex(%+v): %v", height, p, err)
			}
			if back != n {
				t.Fatalf("height %d: round trip %d -> %+v -> %d", height, n, p, back)
			}
		}
		var be *BoundaryError
		if _, err := ix.Position(total); !errors.As(err, &be) {
			t.Fatalf("height %d: Position(%d) error = %v, want BoundaryError", height, total, err)
		}
	}
}

func TestIndexerSiblingsShareParent(t *testing.T) {
	ix := Indexer{Height: 4}
	for level := uint8(0); level < ix.Height; level++ {
		for i := uint64(0); i < ix.Width(level); i++ {
			p := Position{Level: level, Index: i}
			sib, err := ix.Sibling(p)
			if err != nil {
				t.Fatalf("Sibling(%+v): %v", p, err)
			}
			if sib == p || sib.Level != level {
				t.Fatalf("Sibling(%+v) = %+v", p, sib)
			}
			pp, _ := ix.Parent(p)
			sp, _ := ix.Parent(sib)
			if pp != sp {
				t.Fatalf("parents differ: %+v has %+v, sibling %+v has %+v", p, pp, sib, sp)
			}
			l, r, err := ix.Children(pp)
			if err != nil {
				t.Fatalf("Children(%+v): %v", pp, err)
			}
			if (l != p || r != sib) && (l != sib || r != p) {
				t.Fatalf("Children(%+v) = %+v, %+v; want %+v and %+v", pp, l, r, p, sib)
			}
		}
	}
}

func TestIndexerBoundaries(t *testing.T) {
	ix := Indexer{Height: 3}
	root := Position{Level: 3, Index: 0}
	leaf := Position{Level: 0, Index: 5}

	var be *BoundaryError
	if _, err := ix.Parent(root); !errors.As(err, &be) {
		t.Errorf("Parent(root) error = %v, want BoundaryError", err)
	}
	if _, err := ix.Sibling(root); !errors.As(err, &be) {
		t.Errorf("Sibling(root) error = %v, want BoundaryError", err)
	}
	if _, _, err := ix.Children(leaf); !errors.As(err, &be) {
		t.Errorf("Children(leaf) error = %v, want BoundaryError", err)
	}
	if _, err := ix.NodeIndex(Position{Level: 0, Index: 8}); !errors.As(err, &be) {
		t.Errorf("NodeIndex past width error = %v, want BoundaryError", err)
	}
	if _, err := ix.NodeIndex(Position{Level: 4}); !errors.As(err, &be) {
		t.Errorf("NodeIndex above root error = %v, want BoundaryError", err)
	}
	if be.Height != 3 {
		t.Errorf("BoundaryError.Height = %d, want 3", be.Height)
	}
}

func TestIndexerLevelRange(t *testing.T) {
	ix := Indexer{Height: 3}
	tests := []struct {
		level       uint8
		first, last uint64
	}{
		{3, 0, 0},
		{2, 1, 2},
		{1, 3, 6},
		{0, 7, 14},
	}
	for _, tt := range tests {
		first, last, err := ix.LevelRange(tt.level)
		if err != nil {
			t.Fatalf("LevelRange(%d): %v", tt.level, err)
		}
		if first != tt.first || last != tt.last {
			t.Errorf("LevelRange(%d) = [%d, %d], want [%d, %d]", tt.level, first, last, tt.first, tt.last)
		}
	}
	if _, _, err := ix.LevelRange(4); err == nil {
		t.Error("LevelRange above root succeeded")
	}
}

func TestIndexerPopulated(t *testing.T) {
	ix := Indexer{Height: 4}
	tests := []struct {
		level uint8
		count uint64
		want  uint64
	}{
		{0, 0, 0},
		{3, 0, 0},
		{0, 5, 5},
		{1, 5, 3},
		{2, 5, 2},
		{3, 5, 1},
		{4, 5, 1},
		{1, 16, 8},
	}
	for _, tt := range tests {
		if got := ix.Populated(tt.level, tt.count); got != tt.want {
			t.Errorf("Populated(%d, %d) = %d, want %d", tt.level, tt.count, got, tt.want)
		}
	}
}
