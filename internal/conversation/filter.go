package conversation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// captionPatterns are credits and calls to action that speech recognition
// hallucinates from silence, mostly learned from subtitled videos.
var captionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sous[-\s]?titres?\s+réalisés?\s+(par|para|por)\s+(la\s+)?communauté\s+(d'?|de\s+)?amara\.org`),
	regexp.MustCompile(`(?i)subtítulos?\s+realizados?\s+(por|para)\s+(la\s+)?comunidad\s+de\s+amara\.org`),
	regexp.MustCompile(`(?i)subtitles?\s+(by|from|made\s+by)\s+(the\s+)?amara\.org\s+community`),
	regexp.MustCompile(`(?i).*amara\.org.*`),
	regexp.MustCompile(`(?i)n['’]oubliez\s+pas\s+de\s+(vous\s+)?abonner[\s!.]*$`),
	regexp.MustCompile(`(?i)abonnez[-\s]?vous[\s!.]*$`),
	regexp.MustCompile(`(?i)cliquez\s+sur\s+(la\s+)?cloche[\s!.]*$`),
	regexp.MustCompile(`(?i)rendez[-\s]?vous\s+(dans\s+)?(la\s+)?prochaine\s+vidéo[\s!.]*$`),
}

// genericPhrases are dropped when a short transcript contains nothing else.
var genericPhrases = []string{
	"merci à tous",
	"merci beaucoup",
	"merci pour cette vidéo",
	"merci d'avoir regardé",
	"merci de votre attention",
	"à bientôt",
	"à la prochaine",
	"sous-titrage",
	"sous-titres",
	"thank you for watching",
	"thanks for watching",
}

var spaces = regexp.MustCompile(`\s+`)

// TranscriptFilter decides which transcripts are worth a reply.
type TranscriptFilter struct {
	MinLength        int
	GenericMaxLength int
}

// Clean strips caption artifacts and reports whether anything meaningful
// is left.
func (f TranscriptFilter) Clean(raw string) (string, bool) {
	text := raw
	for _, p := range captionPatterns {
		text = p.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(spaces.ReplaceAllString(text, " "))

	n := utf8.RuneCountInString(text)
	if n == 0 || n < f.MinLength || punctuationOnly(text) {
		return "", false
	}
	if n < f.GenericMaxLength && isGeneric(text) {
		return "", false
	}
	return text, true
}

func isGeneric(text string) bool {
	norm := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	norm = strings.TrimFunc(norm, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	for _, g := range genericPhrases {
		if norm == g || strings.Contains(norm, g) {
			return true
		}
	}
	return false
}

func punctuationOnly(text string) bool {
	for _, r := range text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}
