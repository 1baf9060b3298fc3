package ml

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "pos descriptor", in: "POS Starbucks-Coffee #1234!!", want: "pos starbucks coffee 1234"},
		{name: "apostrophe keeps boundary", in: "don't", want: "don t"},
		{name: "collapse whitespace", in: "  UBER \t\n TRIP  ", want: "uber trip"},
		{name: "digits kept", in: "STORE 00042", want: "store 00042"},
		{name: "paypal star", in: "PAYPAL *NETFLIX", want: "paypal netflix"},
		{name: "only punctuation", in: "!!!", want: ""},
		{name: "empty", in: "", want: ""},
		{name: "unicode lower", in: "CAFÉ ÉCLAIR", want: "café éclair"},
		{name: "non breaking space", in: "AMZN\u00a0MKTP", want: "amzn mktp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"POS Starbucks-Coffee #1234!!",
		"TST* Joe's  Diner",
		"SQ *BLUE BOTTLE",
		"AMZN Mktp US*2K4",
		"   mixed\tCASE__under_score ",
		"ŞEKER İSTANBUL",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeValue(t *testing.T) {
	if got, ok := NormalizeValue("NETFLIX.COM"); !ok || got != "netflix com" {
		t.Fatalf("expected (netflix com, true), got (%q, %v)", got, ok)
	}
	for _, v := range []any{nil, 42, 3.5, []string{"x"}, map[string]any{}} {
		got, ok := NormalizeValue(v)
		if ok || got != "" {
			t.Fatalf("expected coercion to empty for %#v, got (%q, %v)", v, got, ok)
		}
	}
}
