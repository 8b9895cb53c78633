package delta

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDelta_WireFormat(t *testing.T) {
	d := New().Retain(5).Insert("Hello").Delete(2)
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	want := `[{"retain":5},{"insert":"Hello"},{"delete":2}]`
	if string(b) != want {
		t.Fatalf("Marshal = %s, want %s", b, want)
	}
}

func TestDelta_DecodeWidgetOps(t *testing.T) {
	raw := `{"ops":[{"retain":3},{"insert":"hi","attributes":{"bold":true}},{"insert":{"image":"a.png"}},{"delete":1}]}`
	d, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if len(d) != 4 {
		t.Fatalf("len = %d, want 4", len(d))
	}
	if d[1].Kind != KindInsert || d[1].Text != "hi" || d[1].Attrs["bold"] != true {
		t.Fatalf("op[1] = %+v", d[1])
	}
	if d[2].Embed == nil || d[2].Len() != 1 {
		t.Fatalf("op[2] = %+v, want embed of length 1", d[2])
	}
	if d[3].Kind != KindDelete || d[3].Count != 1 {
		t.Fatalf("op[3] = %+v", d[3])
	}
}

func TestDelta_RejectsMalformedOps(t *testing.T) {
	cases := []string{
		`[{"retain":0}]`,
		`[{"delete":-1}]`,
		`[{"insert":""}]`,
		`[{"insert":"a","retain":1}]`,
		`[{}]`,
	}
	for _, c := range cases {
		if _, err := Unmarshal([]byte(c)); !errors.Is(err, ErrInvalidOp) {
			t.Errorf("Unmarshal(%s) error = %v, want ErrInvalidOp", c, err)
		}
	}
}

func TestDelta_DocumentHelpers(t *testing.T) {
	d := FromText("hé\n")
	if d.Length() != 3 {
		t.Fatalf("Length() = %d, want 3", d.Length())
	}
	if !d.IsDocument() {
		t.Fatalf("IsDocument() = false")
	}
	if New().Retain(1).IsDocument() {
		t.Fatalf("retain delta reported as document")
	}

	b, err := Marshal(d)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(b) != `{"ops":[{"insert":"hé\n"}]}` {
		t.Fatalf("Marshal = %s", b)
	}
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if back.Text() != "hé\n" {
		t.Fatalf("Text() = %q", back.Text())
	}
}
