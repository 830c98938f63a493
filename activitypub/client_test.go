package activitypub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		gone      bool
	}{
		{500, true, false},
		{503, true, false},
		{404, false, false},
		{410, false, true},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))
		client := NewClient("anancus-test", "")
		_, err := client.Get(context.Background(), srv.URL, "", nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: no error", c.status)
		}
		if IsTransient(err) != c.transient {
			t.Errorf("status %d: IsTransient = %v", c.status, IsTransient(err))
		}
		var pe *PermanentError
		if errors.As(err, &pe) != !c.transient {
			t.Errorf("status %d: permanent = %v", c.status, !c.transient)
		}
		if pe != nil && pe.Gone() != c.gone {
			t.Errorf("status %d: Gone = %v", c.status, pe.Gone())
		}
	}
}

func TestClientSuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "anancus-test" {
			t.Errorf("user agent = %q", ua)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient("anancus-test", "")
	body, err := client.Get(context.Background(), srv.URL, "", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestClientRefusesBlockedRange(t *testing.T) {
	// The test server binds a loopback address, which the block list below
	// covers; the guarded dialer must refuse before connecting.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request reached a blocked address")
	}))
	defer srv.Close()

	client := NewClient("anancus-test", "127.0.0.0/8, ::1/128")
	_, err := client.Get(context.Background(), srv.URL, "", nil)
	var blocked *BlockedIPError
	if !errors.As(err, &blocked) {
		t.Fatalf("blocked range gave %T: %v", err, err)
	}
	if IsTransient(err) {
		t.Errorf("blocked ip classified transient")
	}
}

func TestClientSkipsUnparseableRanges(t *testing.T) {
	client := NewClient("anancus-test", "not-a-cidr,,10.0.0.0/8")
	if len(client.blocked) != 1 {
		t.Errorf("blocked ranges = %d, want 1", len(client.blocked))
	}
	if !strings.HasPrefix(client.blocked[0].String(), "10.") {
		t.Errorf("kept range = %s", client.blocked[0])
	}
}
