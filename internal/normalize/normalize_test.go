package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/djen/internal/djen"
)

func TestBodyParagraphAndBreak(t *testing.T) {
	got, err := Body("<p>Intime-se.</p><br/>Prazo:&nbsp;15 dias")
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	want := "Intime-se.\n\nPrazo: 15 dias"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBodySteps(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Intime-se a parte autora.", "Intime-se a parte autora."},
		{"br variants", "a<br>b<BR />c<br/>d", "a\nb\nc\nd"},
		{"div opens a line", "<div>um</div><div class=\"x\">dois</div>", "um\ndois"},
		{"script content dropped", "texto<script>alert(1)</script> final", "texto final"},
		{"entities decoded", "R&eacute;u &amp; autor &quot;X&quot; &#39;Y&#39;", "Réu & autor \"X\" 'Y'"},
		{"nbsp folded", "a\u00a0\u00a0b", "a b"},
		{"crlf normalized", "linha1\r\nlinha2\rlinha3", "linha1\nlinha2\nlinha3"},
		{"spaces around newlines", "a  \t \n   b", "a\nb"},
		{"blank runs collapsed", "a\n\n\n\n\nb", "a\n\nb"},
		{"trimmed", "  \n a \n  ", "a"},
		{"encoded markup", "&lt;b&gt;negrito&lt;/b&gt;", "negrito"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Body(tc.in)
			if err != nil {
				t.Fatalf("Body: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestBodyIdempotent(t *testing.T) {
	inputs := []string{
		"<p>Intime-se.</p><br/>Prazo:&nbsp;15 dias",
		"&amp;lt;p&amp;gt;duplo&amp;lt;/p&amp;gt; escape",
		"<div><p>  PODER JUDICIÁRIO </p>\r\n\r\n\r\n<b>ADV:</b> EDUARDO KOETZ (OAB 73409/RS)</div>",
		"a &lt; b e c &gt; d",
		"sem html nenhum",
	}
	for _, in := range inputs {
		once, err := Body(in)
		if err != nil {
			t.Fatalf("Body(%q): %v", in, err)
		}
		twice, err := Body(once)
		if err != nil {
			t.Fatalf("Body(Body(%q)): %v", in, err)
		}
		if once != twice {
			t.Fatalf("not idempotent for %q:\n once %q\ntwice %q", in, once, twice)
		}
	}
}

func TestBodyEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "<p></p><br/>", "&nbsp;", "<script>x()</script>"} {
		_, err := Body(in)
		if !errors.Is(err, ErrEmptyBody) {
			t.Fatalf("Body(%q): expected ErrEmptyBody, got %v", in, err)
		}
		var nerr *Error
		if !errors.As(err, &nerr) {
			t.Fatalf("Body(%q): expected *Error, got %T", in, err)
		}
	}
}

func TestInspect(t *testing.T) {
	text := "PODER JUDICIÁRIO\nDESPACHO\nProcesso 5001234-56.2024.8.21.0001\nIntime-se EDUARDO KOETZ no prazo de 15 (quinze) dias e no prazo de 5 (cinco) dias.\nDocumento assinado. Data da assinatura eletrônica."
	md := Inspect(text, "Eduardo Koetz")
	if md.ProcessNumber != "5001234-56.2024.8.21.0001" {
		t.Fatalf("process number: %q", md.ProcessNumber)
	}
	if md.DocumentKind != KindDespacho {
		t.Fatalf("document kind: %q", md.DocumentKind)
	}
	if len(md.Deadlines) != 2 || md.Deadlines[0] != (Deadline{Days: 15, Words: "quinze"}) {
		t.Fatalf("deadlines: %+v", md.Deadlines)
	}
	if !md.SubjectMentioned || !md.ElectronicSignature {
		t.Fatalf("expected subject mention and signature: %+v", md)
	}
	if md.Lines != 5 {
		t.Fatalf("lines: %d", md.Lines)
	}

	if got := Inspect("Vistos. SENTENÇA proferida.", "").DocumentKind; got != KindSentenca {
		t.Fatalf("expected sentença, got %q", got)
	}
	if got := Inspect("acórdão publicado", "").DocumentKind; got != KindAcordao {
		t.Fatalf("expected acórdão, got %q", got)
	}
	if Inspect("texto", "").SubjectMentioned {
		t.Fatalf("empty subject must not be mentioned")
	}
}

func TestSoleAttorney(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"not mentioned", "ADV: JOAO DA SILVA (OAB 1/RS)", false},
		{"mentioned without list", "Intime-se Eduardo Koetz.", true},
		{"sole in list", "Intimação\nADV: EDUARDO KOETZ (OAB 73409/RS)\nfim", true},
		{"with another attorney", "ADV: EDUARDO KOETZ (OAB 73409/RS), MARIA DOS SANTOS PEREIRA (OAB 123/SC)", false},
		{"advogado label", "ADVOGADO(A): EDUARDO KOETZ OAB 73409", true},
		{"short fragments ignored", "ADV: EDUARDO KOETZ (OAB 73409/RS), E OUT", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SoleAttorney(tc.text, "Eduardo Koetz"); got != tc.want {
				t.Fatalf("SoleAttorney = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-01-10", "2025-01-10T03:00:00", "10/01/2025", "10/1/2025"} {
		got := ParseDate(in)
		if got == nil || !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v", in, got)
		}
	}
	for _, in := range []string{"", "ontem", "2025-13-40"} {
		if got := ParseDate(in); got != nil {
			t.Fatalf("ParseDate(%q) expected nil, got %v", in, got)
		}
	}
}

func decodeItem(t *testing.T, s string) djen.Item {
	t.Helper()
	var it djen.Item
	if err := json.Unmarshal([]byte(s), &it); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return it
}

func TestNoticeMapsFields(t *testing.T) {
	it := decodeItem(t, `{"id":555,"hash":"abc","numeroprocessocommascara":"5001234-56.2024.8.21.0001","siglaTribunal":"TJRS",
		"nomeOrgao":"1ª Vara Cível","tipoComunicacao":"Intimação","tipoDocumento":"","data_disponibilizacao":"2025-01-10",
		"texto":"<p>DECISÃO</p>Intime-se EDUARDO KOETZ.","link":"https://x","destinatarioadvogados":[{"advogado":{"nome":"EDUARDO KOETZ"}}]}`)

	n, err := Builder{Subject: "Eduardo Koetz"}.Build(it)
	if err != nil {
		t.Fatalf("Notice: %v", err)
	}
	if n.ExternalID != "555" || n.ContentHash != "abc" || n.Court != "TJRS" || n.JudgingBody != "1ª Vara Cível" {
		t.Fatalf("unexpected notice: %+v", n)
	}
	if n.ProcessNumber != "5001234-56.2024.8.21.0001" {
		t.Fatalf("process number: %q", n.ProcessNumber)
	}
	if n.DocumentType != KindDecisao {
		t.Fatalf("expected document type from text, got %q", n.DocumentType)
	}
	if n.Body != "DECISÃO\n\nIntime-se EDUARDO KOETZ." {
		t.Fatalf("body: %q", n.Body)
	}
	if n.PublicationDate == nil || n.PublicationDate.Day() != 10 {
		t.Fatalf("publication date: %v", n.PublicationDate)
	}
	if n.Metadata["link"] != "https://x" {
		t.Fatalf("metadata link: %v", n.Metadata["link"])
	}
	md, ok := n.Metadata["text"].(TextMetadata)
	if !ok || !md.SubjectMentioned {
		t.Fatalf("text metadata: %#v", n.Metadata["text"])
	}
	if string(n.RawPayload) == "" || n.Status != "extracted" {
		t.Fatalf("expected raw payload and extracted status")
	}
}

func TestNoticeErrors(t *testing.T) {
	_, err := Builder{Subject: "x"}.Build(djen.Item{Text: "texto"})
	if !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}

	_, err = Builder{Subject: "x"}.Build(djen.Item{ID: "9", Text: "<br/>"})
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.ExternalID != "9" || !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("expected empty body error for 9, got %v", err)
	}

	_, err = Builder{MinBodyChars: 50}.Build(djen.Item{ID: "10", Text: "curto"})
	if !errors.Is(err, ErrBodyTooShort) {
		t.Fatalf("expected ErrBodyTooShort, got %v", err)
	}
}

func TestCleanDeeplyNestedEntities(t *testing.T) {
	s := "<b>x</b>&" + strings.Repeat("amp;", 12) + "lt;i&gt;"
	once := Clean(s)
	if once != "x" {
		t.Fatalf("Clean(%q) = %q, want %q", s, once, "x")
	}
	if twice := Clean(once); twice != once {
		t.Fatalf("not idempotent: %q then %q", once, twice)
	}
}
