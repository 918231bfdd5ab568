package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/djen"
)

const upstreamBody = `{"status":"success","message":"ok","count":1,"items":[{"id":7,"hash":"h7","texto":"Intime-se.","siglaTribunal":"TJSC"}]}`

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Pointer[http.Request]
}

func newUpstream(t *testing.T, status int, body string) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.last.Store(r.Clone(context.Background()))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newProxy(upstreamURL string) *Server {
	return New(config.ProxyConfig{UpstreamURL: upstreamURL, Version: "9.9.9"}, "Eduardo Koetz", nil)
}

func get(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func TestRelayRequiresDates(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	s := newProxy(up.srv.URL)

	for _, target := range []string{"/djen?dateFrom=2025-01-10", "/djen?dateTo=2025-01-10", "/djen"} {
		rec, body := get(t, s, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		if body["success"] != false || body["status_code"] != float64(400) {
			t.Fatalf("%s: unexpected envelope %v", target, body)
		}
		if !strings.Contains(body["error"].(string), "dateFrom and dateTo") {
			t.Fatalf("%s: unexpected error %v", target, body["error"])
		}
	}
	if n := up.calls.Load(); n != 0 {
		t.Fatalf("expected no upstream call, got %d", n)
	}
}

func TestRelayRejectsBadParams(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	s := newProxy(up.srv.URL)
	for _, q := range []string{
		"dateFrom=10/01/2025&dateTo=2025-01-10",
		"dateFrom=2025-01-11&dateTo=2025-01-10",
		"dateFrom=2025-01-10&dateTo=2025-01-10&pageSize=x",
		"dateFrom=2025-01-10&dateTo=2025-01-10&pageSize=0",
		"dateFrom=2025-01-10&dateTo=2025-01-10&page=0",
	} {
		if rec, _ := get(t, s, "/djen?"+q); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", q, rec.Code)
		}
	}
	if n := up.calls.Load(); n != 0 {
		t.Fatalf("expected no upstream call, got %d", n)
	}
}

func TestRelayDefaultsAndSuccess(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	s := newProxy(up.srv.URL)

	rec, body := get(t, s, "/djen?dateFrom=2025-01-10&dateTo=2025-01-10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	r := up.last.Load()
	if r == nil {
		t.Fatalf("upstream not called")
	}
	want := url.Values{
		"nomeAdvogado":               {"Eduardo Koetz"},
		"dataDisponibilizacaoInicio": {"2025-01-10"},
		"dataDisponibilizacaoFim":    {"2025-01-10"},
		"itensPorPagina":             {"100"},
		"meio":                       {"D"},
		"pagina":                     {"1"},
	}
	if got := r.URL.Query(); got.Encode() != want.Encode() {
		t.Fatalf("upstream query = %s, want %s", got.Encode(), want.Encode())
	}
	if r.Header.Get("User-Agent") != config.DefaultProxyUserAgent || r.Header.Get("Accept") != "application/json" {
		t.Fatalf("unexpected headers: %v", r.Header)
	}

	if body["success"] != true || body["status_code"] != float64(200) {
		t.Fatalf("unexpected envelope: %v", body)
	}
	data, ok := body["data"].(map[string]any)
	if !ok || data["count"] != float64(1) {
		t.Fatalf("data not relayed verbatim: %v", body["data"])
	}
	params := body["params"].(map[string]any)
	if params["subjectName"] != "Eduardo Koetz" || params["pageSize"] != "100" || params["channel"] != "D" {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestRelayByOAB(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	s := newProxy(up.srv.URL)

	rec, _ := get(t, s, "/djen?dateFrom=2025-01-09&dateTo=2025-01-10&oabNumber=42934&oabState=sc&pageSize=50&page=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	q := up.last.Load().URL.Query()
	if q.Get("numeroOab") != "42934" || q.Get("ufOab") != "SC" || q.Get("nomeAdvogado") != "" {
		t.Fatalf("unexpected oab query: %s", q.Encode())
	}
	if q.Get("itensPorPagina") != "50" || q.Get("pagina") != "2" {
		t.Fatalf("unexpected paging: %s", q.Encode())
	}
}

func TestRelayUpstreamFailure(t *testing.T) {
	up := newUpstream(t, http.StatusTooManyRequests, `{"message":"slow down"}`)
	s := newProxy(up.srv.URL)

	rec, body := get(t, s, "/djen?dateFrom=2025-01-10&dateTo=2025-01-10")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["success"] != false || body["status_code"] != float64(429) {
		t.Fatalf("unexpected envelope: %v", body)
	}
	if !strings.Contains(body["details"].(string), "slow down") {
		t.Fatalf("details missing upstream body: %v", body["details"])
	}
}

func TestRelayUnreachable(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	addr := up.srv.URL
	up.srv.Close()
	s := newProxy(addr)

	rec, body := get(t, s, "/djen?dateFrom=2025-01-10&dateTo=2025-01-10")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error"] != "upstream unreachable" {
		t.Fatalf("unexpected envelope: %v", body)
	}
}

func TestRelayInvalidJSON(t *testing.T) {
	up := newUpstream(t, http.StatusOK, "<html>blocked</html>")
	s := newProxy(up.srv.URL)
	rec, body := get(t, s, "/djen?dateFrom=2025-01-10&dateTo=2025-01-10")
	if rec.Code != http.StatusBadGateway || body["success"] != false {
		t.Fatalf("expected 502 failure envelope, got %d %v", rec.Code, body)
	}
}

func TestInfoHealthAndNotFound(t *testing.T) {
	s := newProxy("http://127.0.0.1:1")
	start := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	s.started = start
	s.now = func() time.Time { return start.Add(90 * time.Second) }

	rec, body := get(t, s, "/")
	if rec.Code != http.StatusOK || body["version"] != "9.9.9" || body["status"] != "running" {
		t.Fatalf("unexpected info: %d %v", rec.Code, body)
	}

	rec, body = get(t, s, "/health")
	if rec.Code != http.StatusOK || body["uptime"] != float64(90) || body["timestamp"] != "2025-01-10T12:01:30Z" {
		t.Fatalf("unexpected health: %d %v", rec.Code, body)
	}

	rec, body = get(t, s, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	eps, ok := body["endpoints"].(map[string]any)
	if !ok || eps["GET /djen"] == nil {
		t.Fatalf("404 without endpoint list: %v", body)
	}
}

// The gateway client in proxy mode must understand the relay's envelope.
func TestClientThroughRelay(t *testing.T) {
	up := newUpstream(t, http.StatusOK, upstreamBody)
	relay := httptest.NewServer(newProxy(up.srv.URL).Handler())
	defer relay.Close()

	client := djen.NewClient(config.UpstreamConfig{Mode: config.UpstreamModeProxy, ProxyURL: relay.URL}, nil)
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	resp, err := client.Fetch(context.Background(), djen.Query{SubjectName: "Eduardo Koetz", DateFrom: day, DateTo: day, PageSize: 100})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Count != 1 || len(resp.Items) != 1 || string(resp.Items[0].ID) != "7" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := up.last.Load().URL.Query().Get("nomeAdvogado"); got != "Eduardo Koetz" {
		t.Fatalf("nomeAdvogado = %q", got)
	}
}
