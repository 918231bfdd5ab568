package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/store"
)

// Builder maps upstream items to storable notices.
type Builder struct {
	Subject      string
	MinBodyChars int
}

// Build normalizes the item's body and assembles the notice. Failures are *Error.
func (b Builder) Build(item djen.Item) (store.Notice, error) {
	id := strings.TrimSpace(string(item.ID))
	if id == "" {
		return store.Notice{}, &Error{Err: ErrMissingID}
	}
	body, err := Body(item.Text)
	if err != nil {
		return store.Notice{}, &Error{ExternalID: id, Err: ErrEmptyBody}
	}
	if b.MinBodyChars > 0 && utf8.RuneCountInString(body) < b.MinBodyChars {
		return store.Notice{}, &Error{ExternalID: id, Err: fmt.Errorf("%w: %d < %d chars", ErrBodyTooShort, utf8.RuneCountInString(body), b.MinBodyChars)}
	}

	raw := item.Raw
	if len(raw) == 0 {
		raw, err = json.Marshal(item)
		if err != nil {
			return store.Notice{}, &Error{ExternalID: id, Err: fmt.Errorf("encode raw payload: %w", err)}
		}
	}

	text := Inspect(body, b.Subject)
	n := store.Notice{
		ExternalID:        id,
		ProcessNumber:     item.Process(),
		Court:             strings.TrimSpace(item.Court),
		JudgingBody:       strings.TrimSpace(item.JudgingBody),
		CommunicationType: strings.TrimSpace(item.CommunicationType),
		DocumentType:      strings.TrimSpace(item.DocumentType),
		PublicationDate:   ParseDate(item.AvailableDate),
		Body:              body,
		ContentHash:       strings.TrimSpace(item.Hash),
		RawPayload:        raw,
		Metadata: map[string]any{
			"communication_number": item.CommunicationNumber,
			"class":                item.ClassName,
			"class_code":           item.ClassCode,
			"link":                 item.Link,
			"medium":               item.Medium,
			"status":               item.Status,
			"active":               item.Active,
			"recipients":           orEmpty(item.Recipients),
			"attorney_recipients":  orEmpty(item.AttorneyRecipients),
			"text":                 text,
		},
		Status: store.NoticeStatusExtracted,
	}
	if n.DocumentType == "" {
		n.DocumentType = text.DocumentKind
	}
	if n.ProcessNumber == "" {
		n.ProcessNumber = text.ProcessNumber
	}
	return n, nil
}

var (
	isoDate = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})`)
	brDate  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})`)
)

// ParseDate reads YYYY-MM-DD (optionally followed by a time) or DD/MM/YYYY.
// Anything else yields nil.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if m := isoDate.FindStringSubmatch(s); m != nil {
		if t, err := time.Parse(time.DateOnly, m[1]); err == nil {
			return &t
		}
		return nil
	}
	if m := brDate.FindStringSubmatch(s); m != nil {
		if t, err := time.Parse("2/1/2006", m[1]+"/"+m[2]+"/"+m[3]); err == nil {
			return &t
		}
	}
	return nil
}

func orEmpty(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}
