package ids

import "testing"

func TestNewIsSortableAndUnique(t *testing.T) {
	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = struct{}{}
		if prev != "" && id <= prev {
			t.Fatalf("ids not monotonic: %s after %s", id, prev)
		}
		prev = id
	}
}

func TestValid(t *testing.T) {
	if !Valid(New()) {
		t.Fatal("freshly generated id should be valid")
	}
	for _, raw := range []string{"", "abc", "0000000000000000000000000@", New() + "X"} {
		if Valid(raw) {
			t.Fatalf("expected %q to be invalid", raw)
		}
	}
}
