package editor

import (
	"testing"

	"collabsync/backend/internal/ot/delta"
)

func TestTextWidget_EmptyDocumentHasLengthOne(t *testing.T) {
	w := NewTextWidget()
	if w.Length() != 1 {
		t.Fatalf("Length() = %d, want 1", w.Length())
	}
	if err := w.SetContents(delta.New(), SourceAPI); err != nil {
		t.Fatalf("SetContents error = %v", err)
	}
	if w.Text() != "\n" {
		t.Fatalf("Text() = %q, want newline only", w.Text())
	}
}

func TestTextWidget_UserInsertEmitsUserChange(t *testing.T) {
	w := NewTextWidget()

	var (
		got    delta.Delta
		source Source
		old    delta.Delta
	)
	unsubscribe := w.OnChange(func(change, before delta.Delta, src Source) {
		got, old, source = change, before, src
	})

	if err := w.Insert(0, "hi"); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if source != SourceUser {
		t.Fatalf("source = %q, want user", source)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("change = %+v", got)
	}
	if old.Text() != "\n" {
		t.Fatalf("old = %q", old.Text())
	}
	if w.Text() != "hi\n" {
		t.Fatalf("Text() = %q", w.Text())
	}
	if sel := w.Selection(); sel == nil || sel.Index != 2 {
		t.Fatalf("Selection() = %+v, want index 2", sel)
	}

	unsubscribe()
	source = ""
	_ = w.Insert(0, "x")
	if source != "" {
		t.Fatalf("handler still called after unsubscribe")
	}
}

func TestTextWidget_APIUpdateKeepsSource(t *testing.T) {
	w := NewTextWidget()
	_ = w.SetContents(delta.FromText("abc\n"), SourceAPI)

	var sources []Source
	w.OnChange(func(_, _ delta.Delta, src Source) { sources = append(sources, src) })

	if err := w.ApplyDelta(delta.New().Retain(1).Delete(1), SourceAPI); err != nil {
		t.Fatalf("ApplyDelta error = %v", err)
	}
	if w.Text() != "ac\n" {
		t.Fatalf("Text() = %q", w.Text())
	}
	if len(sources) != 1 || sources[0] != SourceAPI {
		t.Fatalf("sources = %v", sources)
	}
}

func TestTextWidget_TrailingNewlineRestored(t *testing.T) {
	w := NewTextWidget()
	_ = w.SetContents(delta.FromText("ab\n"), SourceAPI)
	if err := w.ApplyDelta(delta.New().Retain(2).Delete(1), SourceAPI); err != nil {
		t.Fatalf("ApplyDelta error = %v", err)
	}
	if w.Text() != "ab\n" {
		t.Fatalf("Text() = %q, want trailing newline kept", w.Text())
	}
}

func TestTextWidget_SelectionAndBlur(t *testing.T) {
	w := NewTextWidget()
	_ = w.SetContents(delta.FromText("hello\n"), SourceAPI)

	var events []*Range
	w.OnSelectionChange(func(rng, _ *Range, src Source) {
		if src == SourceUser {
			events = append(events, rng)
		}
	})

	w.Select(1, 3)
	w.Blur()
	if len(events) != 2 {
		t.Fatalf("got %d selection events, want 2", len(events))
	}
	if events[0] == nil || events[0].Index != 1 || events[0].Length != 3 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1] != nil {
		t.Fatalf("blur event = %+v, want nil", events[1])
	}

	// 超出文档长度的选区被截断
	w.Select(100, 5)
	if sel := w.Selection(); sel == nil || sel.Index != 5 || sel.Length != 0 {
		t.Fatalf("Selection() = %+v, want clamped to {5 0}", sel)
	}
}

func TestCursorLayer_CreateMoveRemove(t *testing.T) {
	l := NewCursorLayer()
	if l.Move("ghost", &Range{Index: 1}) {
		t.Fatalf("Move on unknown cursor returned true")
	}
	if !l.Create("u1", "alice@example.com", "#ff0000") {
		t.Fatalf("Create returned false for a new cursor")
	}
	if l.Create("u1", "other", "#000000") {
		t.Fatalf("Create returned true for an existing cursor")
	}
	if !l.Move("u1", &Range{Index: 4, Length: 2}) {
		t.Fatalf("Move returned false")
	}
	c, ok := l.Get("u1")
	if !ok || c.Name != "alice@example.com" || c.Range == nil || c.Range.Index != 4 {
		t.Fatalf("Get = %+v, %v", c, ok)
	}
	l.Remove("u1")
	if ids := l.IDs(); len(ids) != 0 {
		t.Fatalf("IDs() = %v, want empty", ids)
	}
}
