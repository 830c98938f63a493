package web

import (
	"net/http"
	"strings"
	"testing"

	"github.com/anancus/anancus/domain"
)

func TestWebfinger(t *testing.T) {
	srv, _, svc := testServer(t)
	webLocalIdentity(t, svc, "alice")
	router := srv.Router()

	for _, resource := range []string{
		"acct:alice@" + testDomain,
		"alice@" + testDomain,
		"@alice@" + testDomain,
		"acct:alice",
	} {
		w := doRequest(t, router, http.MethodGet,
			"/.well-known/webfinger?resource="+resource, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("resource %q status = %d", resource, w.Code)
			continue
		}
		if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "jrd+json") {
			t.Errorf("content type = %q", ct)
		}
		doc := decodeJSON(t, w)
		if doc["subject"] != "acct:alice@"+testDomain {
			t.Errorf("subject = %v", doc["subject"])
		}
		links, _ := doc["links"].([]any)
		var self string
		for _, l := range links {
			m, _ := l.(map[string]any)
			if m["rel"] == "self" {
				self, _ = m["href"].(string)
			}
		}
		if !strings.Contains(self, "/@alice/") {
			t.Errorf("self link = %q", self)
		}
	}

	w := doRequest(t, router, http.MethodGet, "/.well-known/webfinger", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing resource status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodGet,
		"/.well-known/webfinger?resource=acct:alice@elsewhere.test", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign host status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodGet,
		"/.well-known/webfinger?resource=acct:nobody@"+testDomain, "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d", w.Code)
	}
}

func TestHostMeta(t *testing.T) {
	srv, _, _ := testServer(t)
	w := doRequest(t, srv.Router(), http.MethodGet, "/.well-known/host-meta", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "xrd+xml") {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	want := "https://" + testDomain + "/.well-known/webfinger?resource={uri}"
	if !strings.Contains(body, want) {
		t.Errorf("host-meta missing lrdd template: %s", body)
	}
}

func TestNodeinfo(t *testing.T) {
	srv, store, svc := testServer(t)
	alice := webLocalIdentity(t, svc, "alice")
	webLocalPost(t, store, alice, "<p>one</p>", domain.VisibilityPublic)
	router := srv.Router()

	w := doRequest(t, router, http.MethodGet, "/.well-known/nodeinfo", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("discovery status = %d", w.Code)
	}
	disc := decodeJSON(t, w)
	links, _ := disc["links"].([]any)
	if len(links) != 1 {
		t.Fatalf("discovery links = %v", disc)
	}

	w = doRequest(t, router, http.MethodGet, "/nodeinfo/2.0/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nodeinfo status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["version"] != "2.0" {
		t.Errorf("version = %v", doc["version"])
	}
	software, _ := doc["software"].(map[string]any)
	if software["name"] == "" || software["name"] == nil {
		t.Errorf("software = %v", software)
	}
	usage, _ := doc["usage"].(map[string]any)
	users, _ := usage["users"].(map[string]any)
	if users["total"] != float64(1) {
		t.Errorf("user count = %v", users["total"])
	}
	if doc["openRegistrations"] != false {
		t.Errorf("openRegistrations = %v", doc["openRegistrations"])
	}
	meta, _ := doc["metadata"].(map[string]any)
	if meta["nodeDescription"] != "a test node" {
		t.Errorf("nodeDescription = %v", meta["nodeDescription"])
	}
}
