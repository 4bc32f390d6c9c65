package quota

import "testing"

func TestEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
		// Runes, not bytes: four CJK characters are 12 bytes but one token.
		{"弓道練習", 1},
		{"héllo", 2},
	}
	for _, tc := range cases {
		if got := Estimate(tc.text); got != tc.want {
			t.Fatalf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestMemoryProfileStoreUsage(t *testing.T) {
	store := NewMemoryProfileStore(10, 2)

	if store.Profile("alice").TokensExhausted() {
		t.Fatal("fresh profile should not be exhausted")
	}

	store.ReportUsage("alice", 6)
	if store.Profile("alice").TokensExhausted() {
		t.Fatal("6 of 10 tokens should not be exhausted")
	}

	store.ReportUsage("alice", 4)
	if !store.Profile("alice").TokensExhausted() {
		t.Fatal("10 of 10 tokens should be exhausted")
	}

	// Other users are unaffected.
	if store.Profile("bob").TokensExhausted() {
		t.Fatal("bob should have a fresh budget")
	}
}

func TestMemoryProfileStoreImages(t *testing.T) {
	store := NewMemoryProfileStore(10, 2)

	store.ReportImage("alice")
	if store.Profile("alice").ImagesExhausted() {
		t.Fatal("1 of 2 images should not be exhausted")
	}
	store.ReportImage("alice")
	if !store.Profile("alice").ImagesExhausted() {
		t.Fatal("2 of 2 images should be exhausted")
	}
}

func TestMemoryProfileStoreIgnoresNonPositiveDeltas(t *testing.T) {
	store := NewMemoryProfileStore(10, 2)
	store.ReportUsage("alice", 0)
	store.ReportUsage("alice", -5)
	if used := store.Profile("alice").TokensUsed; used != 0 {
		t.Fatalf("expected 0 tokens used, got %d", used)
	}
}
