package compiler

import "code_exec_service/internal/domain/model"

var defaultCompilers = map[string]string{
	"python":     "python3",
	"javascript": "nodejs",
	"java":       "java",
	"cpp":        "gcc",
	"c":          "gcc",
	"csharp":     "csharp",
	"go":         "go",
	"rust":       "rust",
}

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"cs":      "csharp",
	"golang":  "go",
	"rs":      "rust",
}

// LanguageMapper resolves a submitted language name to the provider's
// compiler identifier. Unknown languages map to the fallback compiler.
type LanguageMapper struct {
	compilers map[string]string
	fallback  string
}

// NewLanguageMapper merges overrides over the built-in table. Override keys
// are normalized the same way submitted names are.
func NewLanguageMapper(overrides map[string]string, fallback string) *LanguageMapper {
	compilers := make(map[string]string, len(defaultCompilers)+len(overrides))
	for k, v := range defaultCompilers {
		compilers[k] = v
	}
	for k, v := range overrides {
		compilers[model.NormalizeLanguage(k)] = v
	}
	if fallback == "" {
		fallback = "python3"
	}
	return &LanguageMapper{compilers: compilers, fallback: fallback}
}

func (m *LanguageMapper) Compiler(language string) string {
	key := model.NormalizeLanguage(language)
	if c, ok := m.compilers[key]; ok {
		return c
	}
	if alias, ok := languageAliases[key]; ok {
		if c, ok := m.compilers[alias]; ok {
			return c
		}
	}
	return m.fallback
}
