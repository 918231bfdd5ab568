// Package normalize turns gazette HTML fragments into readable plain text and
// builds storable notices from upstream items.
package normalize

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ErrEmptyBody    = errors.New("empty body after normalization")
	ErrMissingID    = errors.New("missing external id")
	ErrBodyTooShort = errors.New("body too short")
)

// Error is a normalization failure for a single item.
type Error struct {
	ExternalID string
	Err        error
}

func (e *Error) Error() string {
	if e.ExternalID == "" {
		return "normalize: " + e.Err.Error()
	}
	return fmt.Sprintf("normalize %s: %v", e.ExternalID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Step is one text transformation.
type Step func(string) string

// steps is the ordered chain applied by Clean.
var steps = []Step{lineBreaks, stripTags, collapseSpace, strings.TrimSpace}

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every
// element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// Clean applies the step chain until the text stops changing, so
// Clean(Clean(s)) == Clean(s) however deeply entities are nested. It never
// fails and may return an empty string.
func Clean(raw string) string {
	out := raw
	// A changing pass decodes or drops at least one byte, so len(raw)+1
	// passes always reach the fixed point.
	for i := 0; i <= len(raw); i++ {
		next := out
		for _, step := range steps {
			next = step(next)
		}
		if next == out {
			break
		}
		out = next
	}
	return out
}

// Body normalizes raw into plain text. An empty result is an *Error wrapping ErrEmptyBody.
func Body(raw string) (string, error) {
	out := Clean(raw)
	if out == "" {
		return "", &Error{Err: ErrEmptyBody}
	}
	return out, nil
}

var (
	brTag      = regexp.MustCompile(`(?i)<br\s*/?>`)
	pClose     = regexp.MustCompile(`(?i)</p\s*>`)
	divOpen    = regexp.MustCompile(`(?i)<div(\s[^>]*)?>`)
	hSpace     = regexp.MustCompile(`[ \t\f\v]+`)
	spaceNL    = regexp.MustCompile(` *\n *`)
	manyBreaks = regexp.MustCompile(`\n{3,}`)
)

// lineBreaks turns structural markup into newlines before tags are removed.
func lineBreaks(s string) string {
	s = brTag.ReplaceAllString(s, "\n")
	s = pClose.ReplaceAllString(s, "\n\n")
	s = divOpen.ReplaceAllString(s, "\n")
	return s
}

// stripTags removes remaining markup and decodes entities.
func stripTags(s string) string {
	if strings.ContainsAny(s, "<>") {
		s = StrictHTMLPolicy().Sanitize(s)
	}
	s = html.UnescapeString(s)
	return strings.ReplaceAll(s, "\u00a0", " ")
}

func collapseSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = hSpace.ReplaceAllString(s, " ")
	s = spaceNL.ReplaceAllString(s, "\n")
	return manyBreaks.ReplaceAllString(s, "\n\n")
}
