package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phoenixvc/phoenix-evidence/services/anchor/internal/store"
)

type fakeJobStore struct {
	jobs     map[string]store.Job
	order    []string
	anchored map[string]store.Job // digest -> job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]store.Job{}, anchored: map[string]store.Job{}}
}

func (f *fakeJobStore) Insert(_ context.Context, j *store.Job) error {
	if _, exists := f.jobs[j.ID]; exists {
		return store.ErrDuplicateID
	}
	f.jobs[j.ID] = *j
	f.order = append(f.order, j.ID)
	return nil
}

func (f *fakeJobStore) Get(_ context.Context, id string) (store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobStore) List(_ context.Context, page, perPage int) ([]store.Job, int64, error) {
	start := (page - 1) * perPage
	if start > len(f.order) {
		start = len(f.order)
	}
	end := start + perPage
	if end > len(f.order) {
		end = len(f.order)
	}
	var out []store.Job
	for _, id := range f.order[start:end] {
		out = append(out, f.jobs[id])
	}
	return out, int64(len(f.order)), nil
}

func (f *fakeJobStore) AnchoredJobWithDigest(_ context.Context, digestHex string) (store.Job, bool, error) {
	j, ok := f.anchored[digestHex]
	return j, ok, nil
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

const testDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestCreateEvidence(t *testing.T) {
	st := newFakeJobStore()
	r := newRouter(st, nil)

	rec, body := doJSON(t, r, http.MethodPost, "/evidence",
		`{"digest_hex":"`+testDigest+`","payload_mime":"video/mp4"}`)

	if rec.Code != 201 {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(body["id"].(string), "ej_") {
		t.Fatalf("id = %v", body["id"])
	}
	if body["status"] != "pending" {
		t.Fatalf("status = %v, want pending", body["status"])
	}
	if body["digest_hex"] != testDigest {
		t.Fatalf("digest = %v", body["digest_hex"])
	}
}

func TestCreateEvidenceNormalizesDigest(t *testing.T) {
	st := newFakeJobStore()
	r := newRouter(st, nil)

	upper := "sha256:" + strings.ToUpper(testDigest)
	rec, body := doJSON(t, r, http.MethodPost, "/evidence", `{"digest_hex":"`+upper+`"}`)

	if rec.Code != 201 {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if body["digest_hex"] != testDigest {
		t.Fatalf("digest not normalized: %v", body["digest_hex"])
	}
}

func TestCreateEvidenceRejectsBadDigest(t *testing.T) {
	r := newRouter(newFakeJobStore(), nil)

	for _, d := range []string{"", "abc", "zz" + testDigest[2:], testDigest + "00"} {
		rec, _ := doJSON(t, r, http.MethodPost, "/evidence", `{"digest_hex":"`+d+`"}`)
		if rec.Code != 400 {
			t.Fatalf("digest %q: status = %d, want 400", d, rec.Code)
		}
	}
}

func TestCreateEvidenceDuplicateIDConflicts(t *testing.T) {
	st := newFakeJobStore()
	r := newRouter(st, nil)

	payload := `{"id":"ej_fixed","digest_hex":"` + testDigest + `"}`
	rec, _ := doJSON(t, r, http.MethodPost, "/evidence", payload)
	if rec.Code != 201 {
		t.Fatalf("first insert: %d", rec.Code)
	}
	rec, _ = doJSON(t, r, http.MethodPost, "/evidence", payload)
	if rec.Code != 409 {
		t.Fatalf("duplicate insert: status = %d, want 409", rec.Code)
	}
}

func TestCreateEvidenceAnchoredDigestConflicts(t *testing.T) {
	st := newFakeJobStore()
	st.anchored[testDigest] = store.Job{ID: "ej_prev", DigestHex: testDigest, Status: store.StatusAnchored}
	r := newRouter(st, nil)

	rec, body := doJSON(t, r, http.MethodPost, "/evidence", `{"digest_hex":"`+testDigest+`"}`)
	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	existing := body["existing"].(map[string]any)
	if existing["id"] != "ej_prev" {
		t.Fatalf("expected the existing anchored job in the body, got %v", existing["id"])
	}
}

func TestGetEvidence(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["ej_1"] = store.Job{ID: "ej_1", DigestHex: testDigest, Status: store.StatusAnchored, TxHandle: "solana:devnet:sig1"}
	r := newRouter(st, nil)

	rec, body := doJSON(t, r, http.MethodGet, "/evidence/ej_1", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["tx_handle"] != "solana:devnet:sig1" {
		t.Fatalf("tx_handle = %v", body["tx_handle"])
	}
	if body["id"] != "ej_1" || body["status"] != "anchored" {
		t.Fatalf("expected bare evidence fields at the top level, got %v", body)
	}

	rec, _ = doJSON(t, r, http.MethodGet, "/evidence/ej_missing", "")
	if rec.Code != 404 {
		t.Fatalf("missing job: status = %d, want 404", rec.Code)
	}
}

func TestListEvidencePagination(t *testing.T) {
	st := newFakeJobStore()
	r := newRouter(st, nil)
	for i := 0; i < 15; i++ {
		j := store.Job{ID: "ej_" + string(rune('a'+i)), DigestHex: testDigest}
		st.jobs[j.ID] = j
		st.order = append(st.order, j.ID)
	}

	rec, body := doJSON(t, r, http.MethodGet, "/evidence", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := len(body["data"].([]any)); n != 10 {
		t.Fatalf("default page size = %d, want 10", n)
	}
	if body["total"].(float64) != 15 {
		t.Fatalf("total = %v, want 15", body["total"])
	}

	rec, body = doJSON(t, r, http.MethodGet, "/evidence?page=2&per_page=10", "")
	if n := len(body["data"].([]any)); n != 5 {
		t.Fatalf("second page size = %d, want 5", n)
	}

	// per_page is clamped, not rejected
	rec, body = doJSON(t, r, http.MethodGet, "/evidence?per_page=5000", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["per_page"].(float64) != 100 {
		t.Fatalf("per_page = %v, want clamp to 100", body["per_page"])
	}
}

func TestParseIntParamFallbacks(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/evidence?page=notanumber", nil)
	if got := parseIntParam(req, "page", 1); got != 1 {
		t.Fatalf("got %d, want fallback 1", got)
	}
	if got := parseIntParam(req, "absent", 7); got != 7 {
		t.Fatalf("got %d, want fallback 7", got)
	}
}
