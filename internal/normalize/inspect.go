package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Document kinds recognised in notice bodies, in match priority order.
const (
	KindDespacho = "Despacho"
	KindSentenca = "Sentença"
	KindDecisao  = "Decisão"
	KindAcordao  = "Acórdão"
)

// Deadline is a "prazo de N (words) dias" mention.
type Deadline struct {
	Days  int    `json:"days"`
	Words string `json:"words"`
}

// TextMetadata is derived from a normalized notice body.
type TextMetadata struct {
	ProcessNumber       string     `json:"process_number,omitempty"`
	DocumentKind        string     `json:"document_kind,omitempty"`
	ElectronicSignature bool       `json:"electronic_signature,omitempty"`
	Deadlines           []Deadline `json:"deadlines,omitempty"`
	SubjectMentioned    bool       `json:"subject_mentioned"`
	Lines               int        `json:"lines"`
	Chars               int        `json:"chars"`
}

var (
	cnjNumber    = regexp.MustCompile(`\d{7}-\d{2}\.\d{4}\.\d\.\d{2}\.\d{4}`)
	signatureRe  = regexp.MustCompile(`(?i)data da assinatura eletr[oô]nica`)
	deadlineRe   = regexp.MustCompile(`(?i)prazo de (\d+) \(([^)]+)\) dias?`)
	attorneyList = regexp.MustCompile(`ADV(?:OGAD[OA]S?)?\s*(?:\([^)]*\))?\s*:\s*([^\n]+)`)
	oabMention   = regexp.MustCompile(`OAB\s*[^\s,]+`)
	parenthetic  = regexp.MustCompile(`\([^)]*\)`)

	documentKinds = []struct {
		re   *regexp.Regexp
		kind string
	}{
		{regexp.MustCompile(`(?i)\bDESPACHO\b`), KindDespacho},
		{regexp.MustCompile(`(?i)\bSENTENÇA\b`), KindSentenca},
		{regexp.MustCompile(`(?i)\bDECISÃO\b`), KindDecisao},
		{regexp.MustCompile(`(?i)\bACÓRDÃO\b`), KindAcordao},
	}
)

// Inspect extracts metadata from normalized text. subject may be empty.
func Inspect(text, subject string) TextMetadata {
	md := TextMetadata{
		ProcessNumber:       cnjNumber.FindString(text),
		ElectronicSignature: signatureRe.MatchString(text),
		SubjectMentioned:    mentions(text, subject),
		Lines:               len(strings.Split(text, "\n")),
		Chars:               utf8.RuneCountInString(text),
	}
	for _, dk := range documentKinds {
		if dk.re.MatchString(text) {
			md.DocumentKind = dk.kind
			break
		}
	}
	for _, m := range deadlineRe.FindAllStringSubmatch(text, -1) {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		md.Deadlines = append(md.Deadlines, Deadline{Days: days, Words: m[2]})
	}
	return md
}

func mentions(text, subject string) bool {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(text), strings.ToUpper(subject))
}

var nameFillers = map[string]struct{}{"E": {}, "DA": {}, "DE": {}, "DO": {}, "DOS": {}, "DAS": {}}

// SoleAttorney reports whether subject is the only attorney named in the
// notice. Without an "ADV:" list a mention of the subject is enough.
func SoleAttorney(text, subject string) bool {
	if !mentions(text, subject) {
		return false
	}
	upper := strings.ToUpper(text)
	m := attorneyList.FindStringSubmatch(upper)
	if m == nil {
		return true
	}
	subjectWords := significantWords(strings.ToUpper(subject))
	for _, entry := range strings.Split(m[1], ",") {
		name := parenthetic.ReplaceAllString(entry, "")
		name = strings.TrimSpace(oabMention.ReplaceAllString(name, ""))
		if utf8.RuneCountInString(name) <= 5 {
			continue
		}
		words := significantWords(name)
		if len(words) < 2 {
			continue
		}
		if !containsAll(words, subjectWords) {
			return false
		}
	}
	return true
}

func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if _, skip := nameFillers[w]; skip {
			continue
		}
		out = append(out, w)
	}
	return out
}

func containsAll(words, want []string) bool {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
