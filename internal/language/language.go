// Package language normalises user language hints to the codes the speech models accept.
package language

import (
	"sort"
	"strings"

	xlanguage "golang.org/x/text/language"
)

// Default is used when a hint cannot be resolved.
const Default = "en"

var names = map[string]string{
	"en":    "English",
	"es":    "Spanish",
	"fr":    "French",
	"de":    "German",
	"it":    "Italian",
	"pt":    "Portuguese",
	"pl":    "Polish",
	"tr":    "Turkish",
	"ru":    "Russian",
	"nl":    "Dutch",
	"cs":    "Czech",
	"ar":    "Arabic",
	"zh-cn": "Chinese (Mandarin)",
	"ja":    "Japanese",
	"hu":    "Hungarian",
	"ko":    "Korean",
}

var aliases = map[string]string{
	"chinese":  "zh-cn",
	"mandarin": "zh-cn",
	"english":  "en",
	"spanish":  "es",
	"french":   "fr",
	"german":   "de",
	"japanese": "ja",
	"korean":   "ko",
}

// Normalize maps a hint such as "en-US", "zh", "Chinese" or "pt_BR" to a supported code.
// The second result is false when the hint is empty or unsupported.
func Normalize(hint string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return "", false
	}
	if code, ok := aliases[h]; ok {
		return code, true
	}
	if _, ok := names[h]; ok {
		return h, true
	}
	tag, err := xlanguage.Parse(strings.ReplaceAll(h, "_", "-"))
	if err != nil {
		return "", false
	}
	base, _ := tag.Base()
	code := base.String()
	if code == "zh" {
		code = "zh-cn"
	}
	if _, ok := names[code]; !ok {
		return "", false
	}
	return code, true
}

// OrDefault normalises hint, falling back to Default.
func OrDefault(hint string) string {
	if code, ok := Normalize(hint); ok {
		return code
	}
	return Default
}

// Supported reports whether code is accepted as is.
func Supported(code string) bool {
	_, ok := names[code]
	return ok
}

// Codes lists the supported codes in sorted order.
func Codes() []string {
	out := make([]string, 0, len(names))
	for code := range names {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Name returns the English display name for a hint, or "" when unknown.
func Name(hint string) string {
	code, ok := Normalize(hint)
	if !ok {
		return ""
	}
	return names[code]
}

// Base strips the region, e.g. "zh-cn" -> "zh".
func Base(code string) string {
	base, _, _ := strings.Cut(code, "-")
	return base
}
