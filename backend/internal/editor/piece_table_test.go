package editor

import (
	"errors"
	"testing"

	"collabsync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.New().
		Retain(5).               // 跳过 "Hello"
		Insert(" collaborative") // 在 pos=5 插入

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if pt.Len() != len([]rune(want)) {
		t.Fatalf("Len() = %d, want %d", pt.Len(), len([]rune(want)))
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// 保留 "Hello"，然后删 " collaborative"
	d := delta.New().Retain(5).Delete(14)

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	if err := pt.Apply(delta.New().Retain(3).Insert("XYZ")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// abcXYZdef，从 b 删到 e
	if err := pt.Apply(delta.New().Retain(1).Delete(6)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != "aef" {
		t.Fatalf("String() = %q, want %q", got, "aef")
	}
	if pt.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", pt.Len())
	}
}

func TestPieceTable_OutOfRangeLeavesBufferUntouched(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.New().Insert("zz").Retain(4).Delete(2))
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Apply() error = %v, want ErrOutOfRange", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q, want unchanged", got)
	}
}

func TestPieceTable_EmbedCountsAsOne(t *testing.T) {
	pt := NewPieceTable("ab")
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 1},
		{Kind: delta.KindInsert, Embed: map[string]any{"image": "x.png"}},
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if pt.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", pt.Len())
	}
	if got := pt.String(); got != "a"+string(delta.EmbedRune)+"b" {
		t.Fatalf("String() = %q", got)
	}
}
