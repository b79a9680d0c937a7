package fetchengine

import "testing"

func TestParseItemsMacro(t *testing.T) {
	items, err := ParseItems("FAST")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("FAST: got %d items, want 3", len(items))
	}
	if items[0].Type != ItemFlags || items[1].Type != ItemInternalDate || items[2].Type != ItemRFC822Size {
		t.Fatalf("FAST: unexpected items %+v", items)
	}
}

func TestParseItemsSimpleList(t *testing.T) {
	items, err := ParseItems("(UID FLAGS)")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Type != ItemUID || items[1].Type != ItemFlags {
		t.Fatalf("got %+v", items)
	}
}

func TestParseItemsBodySection(t *testing.T) {
	items, err := ParseItems(`BODY[HEADER.FIELDS (TO FROM)]`)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	it := items[0]
	if it.Type != ItemBodySection || it.Section.Name != "HEADER.FIELDS" {
		t.Fatalf("got %+v", it)
	}
	if len(it.Section.Headers) != 2 || it.Section.Headers[0] != "TO" || it.Section.Headers[1] != "FROM" {
		t.Fatalf("headers: got %+v", it.Section.Headers)
	}
}

func TestParseItemsPartial(t *testing.T) {
	items, err := ParseItems("BODY.PEEK[]<0.100>")
	if err != nil {
		t.Fatal(err)
	}
	it := items[0]
	if !it.Peek {
		t.Fatal("expected Peek")
	}
	if it.Partial == nil || it.Partial.Start != 0 || it.Partial.Length != 100 {
		t.Fatalf("partial: got %+v", it.Partial)
	}
}

func TestParseItemsNestedPath(t *testing.T) {
	items, err := ParseItems("BODY[1.2.HEADER]")
	if err != nil {
		t.Fatal(err)
	}
	it := items[0]
	if len(it.Section.Path) != 2 || it.Section.Path[0] != 1 || it.Section.Path[1] != 2 {
		t.Fatalf("path: got %+v", it.Section.Path)
	}
	if it.Section.Name != "HEADER" {
		t.Fatalf("name: got %q", it.Section.Name)
	}
}
