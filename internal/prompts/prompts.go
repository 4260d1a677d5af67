package prompts

import (
	"fmt"
	"strings"
)

// systemPrompt is the base instruction sent with every extraction job.
const systemPrompt = `You are a document extraction engine. You receive one document
and a field specification, and you return a single JSON object whose keys are
exactly the requested field names. Use null for fields you cannot find. Do not
add commentary, markdown fences, or any text outside the JSON object.`

// languageNames maps the supported ISO 639-2 codes to instruction text.
var languageNames = map[string]string{
	"ita": "Italian",
	"eng": "English",
	"lat": "Latin",
}

// TemplateFields returns the field specification for a template token.
// Unknown tokens fall back to a generic free-form extraction.
func TemplateFields(templateToken string) []string {
	switch templateToken {
	case "invoice":
		return []string{"invoice_number", "issue_date", "due_date", "supplier_name", "customer_name", "total_amount", "currency", "vat_amount"}
	case "receipt":
		return []string{"merchant_name", "transaction_date", "total_amount", "currency", "payment_method", "line_items"}
	case "contract":
		return []string{"parties", "effective_date", "termination_date", "governing_law", "signatures_present"}
	default:
		return []string{"title", "date", "summary", "entities"}
	}
}

// SupportedLanguage reports whether the language code is accepted for
// submission.
func SupportedLanguage(lang string) bool {
	_, ok := languageNames[lang]
	return ok
}

// BuildExtractionPrompt renders the prompt.md artifact content for a job.
// Parameters:
//   - templateToken: extraction template identifier.
//   - language: document language code (ita, eng, lat).
//   - fileName: original upload file name, included for context.
// Returns:
//   - string: rendered prompt in markdown.
func BuildExtractionPrompt(templateToken, language, fileName string) string {
	langName := languageNames[language]
	if langName == "" {
		langName = language
	}

	var b strings.Builder
	b.WriteString("# Extraction task\n\n")
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Document: %s\n", fileName)
	fmt.Fprintf(&b, "Document language: %s\n", langName)
	fmt.Fprintf(&b, "Template: %s\n\n", templateToken)
	b.WriteString("## Fields\n\n")
	for _, f := range TemplateFields(templateToken) {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}
