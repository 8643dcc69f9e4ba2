package dedup

import "testing"

func TestFingerprint_NormalizesFormatting(t *testing.T) {
	// WHAT: Casing, spacing and compatibility forms do not change the hash.
	// WHY: Re-extracting the same page yields slightly different formatting;
	// those must still dedup.
	base := Fingerprint("Quelle est la capitale de la France ?")
	variants := []string{
		"quelle est la capitale de la france ?",
		"  Quelle   est la\tcapitale\nde la France ?  ",
		"QUELLE EST LA CAPITALE DE LA FRANCE ?",
		"Quelle est la capitale de la France ?",
	}
	for _, v := range variants {
		if got := Fingerprint(v); got != base {
			t.Errorf("Fingerprint(%q) differs from base", v)
		}
	}
}

func TestFingerprint_DistinguishesContent(t *testing.T) {
	if Fingerprint("What is 2+2?") == Fingerprint("What is 2+3?") {
		t.Fatal("different questions share a fingerprint")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	// Pinned value: the hash must not change across releases or restarts,
	// otherwise the seeded index stops matching the stored corpus.
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := Fingerprint("  Hello   WORLD "); got != want {
		t.Fatalf("Fingerprint = %s, want %s", got, want)
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"   ":         "",
		" A  b\n\nC ": "a b c",
		"Straße":      "strasse",
		"ﬁle":         "file",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIndex(t *testing.T) {
	x := NewIndex()
	x.Seed([]string{"a", "b"})
	if !x.Contains("a") || !x.Contains("b") {
		t.Fatal("seeded fingerprints missing")
	}
	if x.Contains("c") {
		t.Fatal("unexpected fingerprint c")
	}
	x.Record("c")
	if !x.Contains("c") || x.Len() != 3 {
		t.Fatalf("after Record: contains=%v len=%d", x.Contains("c"), x.Len())
	}
}

func TestIndex_Independent(t *testing.T) {
	// Two pipelines in one process must not share state.
	a, b := NewIndex(), NewIndex()
	a.Record("x")
	if b.Contains("x") {
		t.Fatal("indexes share state")
	}
}
