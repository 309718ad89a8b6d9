package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/wahadesk/go-wahadesk-backend/internal/services"
)

func newWebhookRouter(hooks *fakeHooks) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(&fakeLifecycle{}, &fakeSync{}, hooks, nil)
	r.POST("/webhooks/waha/:org", h.ReceiveWebhook)
	return r
}

func postWebhook(r *gin.Engine, org, body, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/waha/"+org, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestReceiveWebhook_ProcessedResultPassedThrough(t *testing.T) {
	hooks := &fakeHooks{
		valid: true,
		res:   &services.WebhookResult{Success: true, Status: services.WebhookProcessed, Event: "message"},
	}
	r := newWebhookRouter(hooks)

	w := postWebhook(r, "org-1", `{"event":"message"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("webhook = %d", w.Code)
	}
	var res services.WebhookResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !res.Success || res.Status != services.WebhookProcessed {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReceiveWebhook_InvalidSignatureIs401(t *testing.T) {
	hooks := &fakeHooks{valid: false}
	r := newWebhookRouter(hooks)

	w := postWebhook(r, "org-1", `{"event":"message"}`, "sha256=bad")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != ErrCodeUnauthorized {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestReceiveWebhook_MalformedPayloadIs400(t *testing.T) {
	hooks := &fakeHooks{valid: true, err: services.ErrInvalidPayload}
	r := newWebhookRouter(hooks)

	if w := postWebhook(r, "org-1", `{broken`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed = %d", w.Code)
	}
}

func TestReceiveWebhook_EmptyBodyIs400(t *testing.T) {
	r := newWebhookRouter(&fakeHooks{valid: true})
	if w := postWebhook(r, "org-1", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body = %d", w.Code)
	}
}

func TestReceiveWebhook_TransientFaultStays200(t *testing.T) {
	// Anything besides a malformed payload must not trigger gateway retries.
	hooks := &fakeHooks{valid: true, err: errors.New("db locked")}
	r := newWebhookRouter(hooks)

	w := postWebhook(r, "org-1", `{"event":"message"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("transient fault = %d, want 200", w.Code)
	}
	var res services.WebhookResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Success || res.Status != services.WebhookSkipped {
		t.Fatalf("unexpected result: %+v", res)
	}
}
