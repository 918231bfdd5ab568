package djen

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusSuccess is the upstream status value for a usable response.
const StatusSuccess = "success"

// ErrInvalidQuery is returned before any network call when a Query cannot be sent.
var ErrInvalidQuery = errors.New("invalid query")

// Query describes one search against the gazette. Dates are calendar dates;
// only the year, month and day are sent.
type Query struct {
	SubjectName string
	OABNumber   string
	OABState    string
	DateFrom    time.Time
	DateTo      time.Time
	PageSize    int
	Page        int
	Channel     string
}

// ByOAB reports whether the query searches by bar registration instead of name.
func (q Query) ByOAB() bool {
	return strings.TrimSpace(q.OABNumber) != "" && strings.TrimSpace(q.OABState) != ""
}

// Validate checks the query against maxPageSize.
func (q Query) Validate(maxPageSize int) error {
	if q.DateFrom.IsZero() || q.DateTo.IsZero() {
		return fmt.Errorf("%w: date range required", ErrInvalidQuery)
	}
	if truncateDay(q.DateFrom).After(truncateDay(q.DateTo)) {
		return fmt.Errorf("%w: dateFrom %s after dateTo %s", ErrInvalidQuery, FormatDate(q.DateFrom), FormatDate(q.DateTo))
	}
	if strings.TrimSpace(q.SubjectName) == "" && !q.ByOAB() {
		return fmt.Errorf("%w: subject name or oab registration required", ErrInvalidQuery)
	}
	if q.PageSize <= 0 || (maxPageSize > 0 && q.PageSize > maxPageSize) {
		return fmt.Errorf("%w: page size %d outside 1..%d", ErrInvalidQuery, q.PageSize, maxPageSize)
	}
	if q.Page < 0 {
		return fmt.Errorf("%w: negative page", ErrInvalidQuery)
	}
	return nil
}

// FormatDate renders t as the gazette's YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Response is a decoded gazette search result.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Count   int    `json:"count"`
	Items   []Item `json:"items"`
}

// ID is an upstream identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(n.String())
	return nil
}

// Item is one communication record as returned by the gazette. Raw keeps the
// original JSON object for audit storage.
type Item struct {
	ID                  ID     `json:"id"`
	Hash                string `json:"hash"`
	ProcessNumber       string `json:"numero_processo"`
	ProcessNumberMasked string `json:"numeroprocessocommascara"`
	Court               string `json:"siglaTribunal"`
	JudgingBody         string `json:"nomeOrgao"`
	CommunicationType   string `json:"tipoComunicacao"`
	DocumentType        string `json:"tipoDocumento"`
	AvailableDate       string `json:"data_disponibilizacao"`
	Text                string `json:"texto"`

	CommunicationNumber any   `json:"numeroComunicacao"`
	ClassName           any   `json:"nomeClasse"`
	ClassCode           any   `json:"codigoClasse"`
	Link                any   `json:"link"`
	Medium              any   `json:"meiocompleto"`
	Status              any   `json:"status"`
	Active              any   `json:"ativo"`
	Recipients          []any `json:"destinatarios"`
	AttorneyRecipients  []any `json:"destinatarioadvogados"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and retains the full object in Raw.
func (it *Item) UnmarshalJSON(b []byte) error {
	type plain Item
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*it = Item(p)
	it.Raw = append(json.RawMessage(nil), b...)
	if it.AvailableDate == "" {
		// some gazette responses use the camel-cased key
		var alt struct {
			Date string `json:"datadisponibilizacao"`
		}
		if err := json.Unmarshal(b, &alt); err == nil {
			it.AvailableDate = alt.Date
		}
	}
	return nil
}

// MarshalJSON returns the original payload when present.
func (it Item) MarshalJSON() ([]byte, error) {
	if len(it.Raw) > 0 {
		return it.Raw, nil
	}
	type plain Item
	return json.Marshal(plain(it))
}

// Process returns the formatted process number, falling back to the masked field.
func (it Item) Process() string {
	if s := strings.TrimSpace(it.ProcessNumber); s != "" {
		return s
	}
	return strings.TrimSpace(it.ProcessNumberMasked)
}

// UpstreamError reports a failed gazette call: transport failure, non-2xx
// status, undecodable body, or a status field other than success.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString("djen upstream")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		b.WriteString(": ")
		b.WriteString(body)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error { return e.Err }
