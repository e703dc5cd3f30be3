package vm

import "testing"

func TestInternDescriptorPools(t *testing.T) {
	a := InternDescriptor("Lapp/util/Pair;")
	b := InternDescriptor("Lapp/util/Pair;")
	if a != b {
		t.Error("interning the same string twice should yield equal descriptors")
	}
	if a.Hash() == 0 {
		t.Error("Hash should be precomputed")
	}
	if a.Hash() != hashDescriptor("Lapp/util/Pair;") {
		t.Errorf("Hash = %#x, want %#x", a.Hash(), hashDescriptor("Lapp/util/Pair;"))
	}
	if a.String() != "Lapp/util/Pair;" {
		t.Errorf("String = %q, want %q", a.String(), "Lapp/util/Pair;")
	}

	var zero Descriptor
	if !zero.IsZero() {
		t.Error("zero Descriptor should report IsZero")
	}
	if a.IsZero() {
		t.Error("interned descriptor should not report IsZero")
	}
}

func TestDescriptorPredicates(t *testing.T) {
	tests := []struct {
		desc      string
		primitive bool
		array     bool
		reference bool
		kind      byte
	}{
		{"I", true, false, false, 'I'},
		{"J", true, false, false, 'J'},
		{"V", true, false, false, 'V'},
		{"Lapp/Point;", false, false, true, 0},
		{"[I", false, true, true, 0},
		{"[[Lapp/Point;", false, true, true, 0},
	}
	for _, tt := range tests {
		d := InternDescriptor(tt.desc)
		if got := d.IsPrimitive(); got != tt.primitive {
			t.Errorf("%q IsPrimitive = %v, want %v", tt.desc, got, tt.primitive)
		}
		if got := d.IsArray(); got != tt.array {
			t.Errorf("%q IsArray = %v, want %v", tt.desc, got, tt.array)
		}
		if got := d.IsReference(); got != tt.reference {
			t.Errorf("%q IsReference = %v, want %v", tt.desc, got, tt.reference)
		}
		if got := d.PrimitiveKind(); got != tt.kind {
			t.Errorf("%q PrimitiveKind = %q, want %q", tt.desc, got, tt.kind)
		}
	}
}

func TestDescriptorElement(t *testing.T) {
	d := InternDescriptor("[[I")
	if got := d.Element().String(); got != "[I" {
		t.Errorf("Element = %q, want %q", got, "[I")
	}
	if got := d.Element().Element().String(); got != "I" {
		t.Errorf("Element twice = %q, want %q", got, "I")
	}
	if !InternDescriptor("I").Element().IsZero() {
		t.Error("Element of a non-array should be the zero descriptor")
	}

	if got := InternDescriptor("Lapp/Point;").ArrayOf().String(); got != "[Lapp/Point;" {
		t.Errorf("ArrayOf = %q, want %q", got, "[Lapp/Point;")
	}
}

func TestDescriptorPackage(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"Lapp/util/Pair;", "app/util"},
		{"Lapp/Point;", "app"},
		{"LTop;", ""},
		{"I", ""},
		{"[Lapp/Point;", ""},
	}
	for _, tt := range tests {
		if got := InternDescriptor(tt.desc).Package(); got != tt.want {
			t.Errorf("%q Package = %q, want %q", tt.desc, got, tt.want)
		}
	}
}

func TestValidLookupDescriptor(t *testing.T) {
	valid := []string{"V", "I", "Lapp/Point;", "[I", "[[Lapp/Point;"}
	for _, s := range valid {
		if !validLookupDescriptor(s) {
			t.Errorf("validLookupDescriptor(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "app.Point", "Lapp/Point", "Q", "[;", "[", "L;"}
	for _, s := range invalid {
		if validLookupDescriptor(s) {
			t.Errorf("validLookupDescriptor(%q) = true, want false", s)
		}
	}
}
