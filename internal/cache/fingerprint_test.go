package cache

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("tenant-1", "SELECT * FROM orders WHERE id = @id", map[string]any{"id": 7})
	b := Fingerprint("tenant-1", "SELECT * FROM orders WHERE id = @id", map[string]any{"id": 7})
	if a != b {
		t.Fatalf("identical inputs produced different fingerprints: %s vs %s", a, b)
	}
}

func TestFingerprintIgnoresParamOrder(t *testing.T) {
	a := Fingerprint("tenant-1", "SELECT 1", map[string]any{"x": 1, "y": "two", "z": true})
	b := Fingerprint("tenant-1", "SELECT 1", map[string]any{"z": true, "y": "two", "x": 1})
	if a != b {
		t.Fatal("parameter insertion order changed the fingerprint")
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint("tenant-1", "SELECT *\n  FROM orders", nil)
	b := Fingerprint("tenant-1", "SELECT * FROM orders", nil)
	if a != b {
		t.Fatal("whitespace reformatting changed the fingerprint")
	}
}

func TestFingerprintSeparatesInputs(t *testing.T) {
	base := Fingerprint("tenant-1", "SELECT 1", map[string]any{"x": 1})

	if Fingerprint("tenant-2", "SELECT 1", map[string]any{"x": 1}) == base {
		t.Fatal("different tenants must not share a fingerprint")
	}
	if Fingerprint("tenant-1", "SELECT 2", map[string]any{"x": 1}) == base {
		t.Fatal("different queries must not share a fingerprint")
	}
	if Fingerprint("tenant-1", "SELECT 1", map[string]any{"x": 2}) == base {
		t.Fatal("different parameters must not share a fingerprint")
	}
	if Fingerprint("tenant-1", "SELECT 1", nil) == base {
		t.Fatal("absent parameters must not share a fingerprint with present ones")
	}
}
