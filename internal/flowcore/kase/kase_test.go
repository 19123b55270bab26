package kase

import "testing"

func TestChannelBindingSymmetric(t *testing.T) {
	cases := [][2]string{
		{"alice-client-1", "bob-client-9"},
		{"a", "b"},
		{"device-0000", "device-0000"},
		{"", ""},
	}

	for _, c := range cases {
		ab, errAB := ChannelBinding(c[0], c[1])
		ba, errBA := ChannelBinding(c[1], c[0])

		if (errAB == nil) != (errBA == nil) {
			t.Fatalf("asymmetric error behaviour for %q/%q: %v vs %v", c[0], c[1], errAB, errBA)
		}
		if errAB != nil {
			continue
		}
		if ab != ba {
			t.Fatalf("ChannelBinding(%q,%q)=%x != ChannelBinding(%q,%q)=%x", c[0], c[1], ab, c[1], c[0], ba)
		}
	}
}

func TestChannelBindingRejectsEmpty(t *testing.T) {
	if _, err := ChannelBinding("", "remote"); err == nil {
		t.Fatal("expected error for empty local id")
	}
	if _, err := ChannelBinding("local", ""); err == nil {
		t.Fatal("expected error for empty remote id")
	}
}

func TestChannelBindingDistinctForDistinctInputs(t *testing.T) {
	h1, err := ChannelBinding("user-a", "user-b")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ChannelBinding("user-a", "user-c")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected different channel bindings for different remote ids")
	}
}
