package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/nerthus-project/nerthusd/internal/creddb"
	"github.com/nerthus-project/nerthusd/internal/forwarding"
	"github.com/nerthus-project/nerthusd/internal/netutil"
	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/server"
	"github.com/nerthus-project/nerthusd/internal/tokendb"
	"github.com/nerthus-project/nerthusd/internal/virt"
	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
)

func writeTestISO(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.iso")
	if err := os.WriteFile(path, []byte("iso image bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	kp, err := vmcrypto.GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := creddb.Open()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { creds.Close() })

	engine := server.New(kp,
		server.NewDomainRegistry(virt.NewManager()),
		server.NewForwarderRegistry(forwarding.NewPool(22000, 22010)),
		creds)
	return New(engine)
}

func do(t *testing.T, s *Server, method, path string, form url.Values) (*http.Response, schema.Response) {
	t.Helper()

	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp schema.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec.Result(), resp
}

func TestWelcomePayload(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodGet, "/", nil)
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		t.Fatalf("welcome = %d %+v", httpResp.StatusCode, resp)
	}
	if ct := httpResp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	endpoints, ok := resp.Data["endpoints"].(map[string]any)
	if !ok {
		t.Fatalf("endpoints = %v", resp.Data["endpoints"])
	}
	for _, p := range []string{"/CREATE", "/DESTROY", "/STAT"} {
		if _, ok := endpoints[p]; !ok {
			t.Errorf("welcome payload missing %s", p)
		}
	}
}

func TestStat(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodGet, "/STAT", nil)
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		t.Fatalf("STAT = %d %+v", httpResp.StatusCode, resp)
	}
	if resp.Data["available"] != "nolimit" {
		t.Errorf("available = %v", resp.Data["available"])
	}

	// Lower-case path segments resolve to the same verb.
	if _, resp := do(t, s, http.MethodGet, "/stat", nil); !resp.Success {
		t.Errorf("/stat = %+v", resp)
	}
}

func TestNestedPathRejected(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodGet, "/STAT/extra", nil)
	if httpResp.StatusCode != http.StatusBadRequest || resp.Success {
		t.Errorf("nested path = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestUnhandledVerb(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodGet, "/PING", nil)
	if httpResp.StatusCode != http.StatusBadRequest || resp.Reason != server.ReasonUnhandledVerb {
		t.Errorf("PING = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestCreateMethodCheck(t *testing.T) {
	s := newTestServer(t)

	httpResp, _ := do(t, s, http.MethodGet, "/CREATE", nil)
	if httpResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /CREATE = %d, want 405", httpResp.StatusCode)
	}
}

func TestCreateRefused(t *testing.T) {
	s := newTestServer(t)
	s.engine.ContainerISOPath = writeTestISO(t)
	s.engine.SetEventHandler(server.EventContainerCreated, func(e *server.Engine, data server.EventData) server.Outcome {
		return server.OutcomeAbort
	})

	httpResp, resp := do(t, s, http.MethodPost, "/CREATE", url.Values{})
	if httpResp.StatusCode != http.StatusForbidden || resp.Message != server.MessageRefused {
		t.Errorf("refused CREATE = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestCreateCapacityGate(t *testing.T) {
	s := newTestServer(t)
	s.engine.MaxContainers = 1

	// Consume the single slot with a registered container.
	if _, err := s.engine.Domains.CreateContainer(true); err != nil {
		t.Fatal(err)
	}

	httpResp, resp := do(t, s, http.MethodPost, "/CREATE", url.Values{})
	if httpResp.StatusCode != http.StatusServiceUnavailable || resp.Message != server.MessageUnavailable {
		t.Errorf("CREATE at capacity = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestDestroyMalformed(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodPost, "/DESTROY", url.Values{
		"container_uuid": {"not-a-uuid"},
		"client_token":   {"short"},
	})
	if httpResp.StatusCode != http.StatusBadRequest || resp.Reason != server.ReasonMalformedRequest {
		t.Errorf("malformed DESTROY = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestDestroyBadAuthentication(t *testing.T) {
	s := newTestServer(t)

	httpResp, resp := do(t, s, http.MethodPost, "/DESTROY", url.Values{
		"container_uuid": {uuid.NewString()},
		"client_token":   {strings.Repeat("a", schema.ClientTokenLength)},
	})
	if httpResp.StatusCode != http.StatusForbidden || resp.Message != server.MessageBadAuth {
		t.Errorf("bad auth DESTROY = %d %+v", httpResp.StatusCode, resp)
	}
}

func TestDestroySuccess(t *testing.T) {
	s := newTestServer(t)

	containerUUID := uuid.NewString()
	_, _, token, err := s.engine.Credentials.AddEntry(containerUUID)
	if err != nil {
		t.Fatal(err)
	}

	httpResp, resp := do(t, s, http.MethodPost, "/DESTROY", url.Values{
		"container_uuid": {containerUUID},
		"client_token":   {token},
	})
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		t.Fatalf("DESTROY = %d %+v", httpResp.StatusCode, resp)
	}

	if entries, _ := s.engine.Credentials.ListEntries(); len(entries) != 0 {
		t.Errorf("credential entries after DESTROY = %d", len(entries))
	}
}

func TestIPFilter(t *testing.T) {
	s := newTestServer(t)
	s.Filter = &netutil.IPFilter{Denied: []string{"192.0.2.1"}}

	// httptest requests originate from 192.0.2.1.
	httpResp, resp := do(t, s, http.MethodGet, "/STAT", nil)
	if httpResp.StatusCode != http.StatusForbidden || resp.Message != server.MessageRefused {
		t.Errorf("filtered request = %d %+v", httpResp.StatusCode, resp)
	}

	s.Filter = &netutil.IPFilter{Denied: []string{"198.51.100.7"}}
	if _, resp := do(t, s, http.MethodGet, "/STAT", nil); !resp.Success {
		t.Errorf("unfiltered request = %+v", resp)
	}
}

func TestAccessTokenAuthentication(t *testing.T) {
	s := newTestServer(t)

	tokens, err := tokendb.Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tokens.Close() })
	s.Tokens = tokens

	// A missing token is a malformed request, an unknown or disabled
	// one is an authentication failure.
	_, resp := do(t, s, http.MethodGet, "/STAT", nil)
	if resp.Message != server.MessageBadRequest || resp.Reason != server.ReasonAccessTokenRequired {
		t.Errorf("missing token = %+v, want %q / %q", resp, server.MessageBadRequest, server.ReasonAccessTokenRequired)
	}

	_, resp = do(t, s, http.MethodGet, "/STAT?access_token="+strings.Repeat("x", schema.AccessTokenLength), nil)
	if resp.Message != server.MessageBadAuth || resp.Reason != server.ReasonInvalidAccessToken {
		t.Errorf("invalid token = %+v, want %q / %q", resp, server.MessageBadAuth, server.ReasonInvalidAccessToken)
	}

	_, _, disabledToken, err := tokens.AddEntry(true)
	if err != nil {
		t.Fatal(err)
	}
	_, resp = do(t, s, http.MethodGet, "/STAT?access_token="+disabledToken, nil)
	if resp.Message != server.MessageBadAuth || resp.Reason != server.ReasonInvalidAccessToken {
		t.Errorf("disabled token = %+v, want %q / %q", resp, server.MessageBadAuth, server.ReasonInvalidAccessToken)
	}

	_, _, token, err := tokens.AddEntry(false)
	if err != nil {
		t.Fatal(err)
	}
	_, resp = do(t, s, http.MethodGet, "/STAT?access_token="+token, nil)
	if !resp.Success {
		t.Errorf("valid token = %+v", resp)
	}
}
