package elements

import "testing"

func sample() []RawElement {
	return []RawElement{
		{Tag: "div", AttrClass: "wrapper"},
		{Tag: "a", AttrClass: "btn primary", AttrID: "submit", Href: "/go", NthChild: 2},
	}
}

func TestExtractIsPureFunctionOfInput(t *testing.T) {
	chain1, hash1, rows1 := Extract(sample())
	chain2, hash2, rows2 := Extract(sample())

	if chain1 != chain2 || hash1 != hash2 {
		t.Fatalf("extraction not deterministic: (%q,%q) vs (%q,%q)", chain1, hash1, chain2, hash2)
	}
	if len(rows1) != len(rows2) || len(rows1) != 2 {
		t.Fatalf("unexpected row count: %d vs %d", len(rows1), len(rows2))
	}
}

func TestExtractOrderAffectsHash(t *testing.T) {
	raw := sample()
	_, hashA, _ := Extract(raw)

	reversed := []RawElement{raw[1], raw[0]}
	_, hashB, _ := Extract(reversed)

	if hashA == hashB {
		t.Fatal("expected different order to change the hash")
	}
}

func TestExtractAttributeMapOrderDoesNotAffectHash(t *testing.T) {
	a := []RawElement{{Tag: "span", Attributes: map[string]any{"a": "1", "b": "2"}}}
	b := []RawElement{{Tag: "span", Attributes: map[string]any{"b": "2", "a": "1"}}}

	_, hashA, _ := Extract(a)
	_, hashB, _ := Extract(b)
	if hashA != hashB {
		t.Fatal("map key iteration order leaked into the hash")
	}
}

func TestExtractChainContainsClassAndAttrs(t *testing.T) {
	chain, _, _ := Extract(sample())
	want := `div.wrapper;a.btn.primary:attr_id="submit"href="/go"nth-child="2"`
	if chain != want {
		t.Fatalf("chain = %q, want %q", chain, want)
	}
}

func TestExtractEmptyInput(t *testing.T) {
	chain, hash, rows := Extract(nil)
	if chain != "" || len(rows) != 0 {
		t.Fatalf("expected empty chain/rows for nil input, got %q, %v", chain, rows)
	}
	if hash == "" {
		t.Fatal("expected a stable hash even for the empty list")
	}
}
