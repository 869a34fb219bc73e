package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/dispatch"
	"github.com/aetherlab/aether/internal/testutil"
)

// fakeAuth accepts any request carrying the "ok" bearer token.
type fakeAuth struct {
	invalidated []string
	mu          sync.Mutex
}

func (a *fakeAuth) Authenticate(_ context.Context, r *http.Request) (*gateway.Identity, error) {
	if r.Header.Get("Authorization") != "Bearer ok" {
		return nil, gateway.ErrAuthenticationFailed
	}
	return testutil.Identity("key-1", "user-1"), nil
}

func (a *fakeAuth) InvalidateByKeyID(keyID string) {
	a.mu.Lock()
	a.invalidated = append(a.invalidated, keyID)
	a.mu.Unlock()
}

// fakeDispatcher records the request it received and echoes a canned body.
type fakeDispatcher struct {
	mu        sync.Mutex
	last      *dispatch.Request
	submitted *dispatch.Request
}

func (d *fakeDispatcher) Dispatch(_ context.Context, w http.ResponseWriter, req *dispatch.Request) {
	d.mu.Lock()
	d.last = req
	d.mu.Unlock()
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"dispatched":true}`))
}

func (d *fakeDispatcher) SubmitVideo(_ context.Context, w http.ResponseWriter, req *dispatch.Request) {
	d.mu.Lock()
	d.submitted = req
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": "task-1", "status": "submitted"})
}

func newTestServer(t *testing.T, store *testutil.FakeStore) (http.Handler, *fakeDispatcher, *fakeAuth) {
	t.Helper()
	auth := &fakeAuth{}
	disp := &fakeDispatcher{}
	h := New(Deps{
		Auth:       auth,
		Dispatch:   disp,
		Store:      store,
		AdminToken: "admin-secret",
	})
	return h, disp, auth
}

func authedReq(method, path, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer ok")
	return r
}

func TestWireRoutesCarrySignature(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		want gateway.Signature
	}{
		{"/v1/chat/completions", gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindChat}},
		{"/v1/responses", gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindCLI}},
		{"/v1/messages", gateway.Signature{Family: gateway.FamilyClaude, Kind: gateway.KindChat}},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			h, disp, _ := newTestServer(t, testutil.NewFakeStore())
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authedReq(http.MethodPost, tc.path, `{"model":"m"}`))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if disp.last == nil || disp.last.Sig != tc.want {
				t.Fatalf("dispatched signature = %+v, want %v", disp.last, tc.want)
			}
			if string(disp.last.Body) != `{"model":"m"}` {
				t.Fatalf("body = %s", disp.last.Body)
			}
		})
	}
}

func TestWireRouteRequiresAuth(t *testing.T) {
	t.Parallel()
	h, disp, _ := newTestServer(t, testutil.NewFakeStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if disp.last != nil {
		t.Fatal("unauthenticated request reached dispatch")
	}
}

func TestGeminiRouteParsesModelAndStream(t *testing.T) {
	t.Parallel()
	h, disp, _ := newTestServer(t, testutil.NewFakeStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodPost,
		"/v1beta/models/gemini-2.0-flash:streamGenerateContent?key=secret&alt=sse", `{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if disp.last.ModelOverride != "gemini-2.0-flash" {
		t.Fatalf("model = %q", disp.last.ModelOverride)
	}
	if disp.last.StreamHint == nil || !*disp.last.StreamHint {
		t.Fatal("stream hint not set")
	}
	if disp.last.Sig.Family != gateway.FamilyGemini {
		t.Fatalf("family = %s", disp.last.Sig.Family)
	}
}

func TestGeminiRouteRejectsUnknownAction(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t, testutil.NewFakeStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodPost, "/v1beta/models/gemini-2.0-flash:embedContent", `{}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVideoSubmitAndStatus(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Tasks["task-1"] = &gateway.VideoTask{
		ID: "task-1", RequestID: "req-1", Model: "sora-2",
		Status: gateway.TaskProcessing, Progress: 40,
		CreatedAt: time.Now().UTC(),
	}
	h, disp, _ := newTestServer(t, store)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodPost, "/v1/videos", `{"model":"sora-2","prompt":"x"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	if disp.submitted == nil || disp.submitted.Sig.Kind != gateway.KindVideo {
		t.Fatalf("submitted = %+v", disp.submitted)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodGet, "/v1/videos/task-1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "processing" || got["progress"] != float64(40) {
		t.Fatalf("task view = %v", got)
	}

	// Lookup by originating request ID also resolves.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodGet, "/v1/videos/req-1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("request-id lookup = %d", rec.Code)
	}
}

func TestListModelsHonorsAllowList(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Globals["gm-1"] = &gateway.GlobalModel{ID: "gm-1", Name: "gpt-x", Enabled: true}
	store.Globals["gm-2"] = &gateway.GlobalModel{ID: "gm-2", Name: "claude-x", Enabled: true}
	store.Globals["gm-3"] = &gateway.GlobalModel{ID: "gm-3", Name: "disabled-x", Enabled: false}

	auth := &fakeAuth{}
	disp := &fakeDispatcher{}
	h := New(Deps{Auth: allowListAuth{auth, []string{"gpt-x"}}, Dispatch: disp, Store: store})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(http.MethodGet, "/v1/models", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "gpt-x" {
		t.Fatalf("models = %+v", body.Data)
	}
}

// allowListAuth wraps fakeAuth and pins the identity's model allow-list.
type allowListAuth struct {
	inner  *fakeAuth
	models []string
}

func (a allowListAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	id, err := a.inner.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	id.AllowedModels = a.models
	return id, nil
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t, testutil.NewFakeStore())
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}
}

func TestReadyzReportsNotReady(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth: &fakeAuth{}, Dispatch: &fakeDispatcher{}, Store: testutil.NewFakeStore(),
		ReadyCheck: func(context.Context) error { return gateway.ErrNotFound },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t, testutil.NewFakeStore())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
}
