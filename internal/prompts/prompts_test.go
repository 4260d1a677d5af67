package prompts

import (
	"strings"
	"testing"
)

func TestSupportedLanguage(t *testing.T) {
	tests := []struct {
		lang string
		want bool
	}{
		{"ita", true},
		{"eng", true},
		{"lat", true},
		{"fra", false},
		{"", false},
		{"ENG", false},
	}
	for _, tt := range tests {
		if got := SupportedLanguage(tt.lang); got != tt.want {
			t.Errorf("SupportedLanguage(%q) = %v, want %v", tt.lang, got, tt.want)
		}
	}
}

func TestTemplateFields(t *testing.T) {
	invoice := TemplateFields("invoice")
	if len(invoice) == 0 {
		t.Fatal("expected invoice fields")
	}
	found := false
	for _, f := range invoice {
		if f == "invoice_number" {
			found = true
		}
	}
	if !found {
		t.Error("expected invoice_number among invoice fields")
	}

	// unknown tokens fall back to the generic set
	generic := TemplateFields("unknown-template")
	if len(generic) == 0 {
		t.Error("expected a generic fallback field set")
	}
}

func TestBuildExtractionPrompt(t *testing.T) {
	prompt := BuildExtractionPrompt("invoice", "ita", "fattura.pdf")

	for _, want := range []string{"fattura.pdf", "Italian", "invoice", "invoice_number", "## Fields"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func TestBuildExtractionPrompt_UnknownLanguagePassthrough(t *testing.T) {
	prompt := BuildExtractionPrompt("invoice", "deu", "scan.png")
	if !strings.Contains(prompt, "deu") {
		t.Error("expected unknown language code to pass through verbatim")
	}
}
