package model

import (
	"strings"

	"github.com/gosimple/slug"
)

var languageSubstitutions = map[string]string{
	"++": "pp",
	"#":  "sharp",
}

// NormalizeLanguage turns user supplied language names such as "C++",
// " Python " or "C#" into lookup keys ("cpp", "python", "csharp").
func NormalizeLanguage(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return slug.Make(slug.Substitute(name, languageSubstitutions))
}
