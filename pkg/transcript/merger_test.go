package transcript

import "testing"

func TestMergeSuffixPrefixOverlap(t *testing.T) {
	got := Merge("quiero saber el", "el saldo de mi cuenta")
	if got != "quiero saber el saldo de mi cuenta" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestMergeContainment(t *testing.T) {
	if got := Merge("quiero saber mi saldo", "Quiero saber mi saldo."); got != "quiero saber mi saldo" {
		t.Fatalf("duplicate final should be dropped, got %q", got)
	}
	if got := Merge("quiero saber", "quiero saber mi saldo"); got != "quiero saber mi saldo" {
		t.Fatalf("extension should replace, got %q", got)
	}
}

func TestMergeShortNoiseDiscarded(t *testing.T) {
	if got := Merge("necesito ayuda con mi cuenta", "eh"); got != "necesito ayuda con mi cuenta" {
		t.Fatalf("short noise should be discarded, got %q", got)
	}
	if got := Merge("sí", "claro que sí"); got != "claro que sí" {
		t.Fatalf("short longer final should win, got %q", got)
	}
}

func TestMergeJoinsUnrelatedLongText(t *testing.T) {
	got := Merge("hola buenos días", "necesito revisar una factura")
	if got != "hola buenos días necesito revisar una factura" {
		t.Fatalf("unexpected join %q", got)
	}
}

func TestMergeWordOverlapExtends(t *testing.T) {
	got := Merge("hola quiero saber mi saldo bancario", "quiero saber mi saldo bancario actual")
	if got != "hola quiero saber mi saldo bancario actual" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestOverlaps(t *testing.T) {
	if !Overlaps("Hola, ¿cómo estás?", "hola cómo estás") {
		t.Fatalf("normalized containment should overlap")
	}
	if !Overlaps("quiero pagar factura pendiente hoy", "necesito pagar factura pendiente") {
		t.Fatalf("three shared long words should overlap")
	}
	if Overlaps("quiero saber el", "el saldo de mi cuenta") {
		t.Fatalf("short shared words must not count")
	}
}

func TestMergerPartialRules(t *testing.T) {
	m := NewMerger()
	m.Add(Fragment{Text: "quiero saber el saldo", Partial: true})
	m.Add(Fragment{Text: "quiero saber", Partial: true})
	if got := m.Text(); got != "quiero saber el saldo" {
		t.Fatalf("shorter contained partial must not overwrite, got %q", got)
	}
	if !m.Unflushed() {
		t.Fatalf("partial should be pending")
	}
	m.Add(Fragment{Text: "quiero saber el saldo de mi cuenta"})
	if got := m.Text(); got != "quiero saber el saldo de mi cuenta" || m.Unflushed() {
		t.Fatalf("unexpected text after final %q", got)
	}
}

func TestMergerContinuousStream(t *testing.T) {
	m := NewMerger()
	m.Add(Fragment{Text: "quiero saber el"})
	m.Add(Fragment{Text: "el saldo", Partial: true})
	m.Add(Fragment{Text: "el saldo de mi", Partial: true})
	if got := m.Text(); got != "quiero saber el saldo de mi" {
		t.Fatalf("unexpected preview %q", got)
	}
	m.Add(Fragment{Text: "el saldo de mi cuenta"})
	if got := m.Text(); got != "quiero saber el saldo de mi cuenta" {
		t.Fatalf("unexpected text %q", got)
	}
	m.Reset()
	if m.Text() != "" {
		t.Fatalf("reset did not clear")
	}
}

func TestSmartConcat(t *testing.T) {
	cases := []struct{ a, b, want string }{
		{"quiero pagar la", "la factura", "quiero pagar la factura"},
		{"uno dos tres cuatro cinco seis", "dos tres cuatro cinco seis siete", "uno dos tres cuatro cinco seis siete"},
		{"hola", "adiós", "hola adiós"},
		{"mi cuenta", "mi cuenta", "mi cuenta"},
	}
	for _, tc := range cases {
		if got := SmartConcat(tc.a, tc.b); got != tc.want {
			t.Fatalf("SmartConcat(%q,%q)=%q want %q", tc.a, tc.b, got, tc.want)
		}
	}
}
