package preprocess

import (
	"bytes"
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsURL(t *testing.T) {
	cases := map[string]bool{
		"http://host/scan.png":  true,
		"https://host/scan.png": true,
		"scan.png":              false,
		"/data/http/scan.png":   false,
		"ftp://host/scan.png":   false,
	}
	for in, want := range cases {
		if got := IsURL(in); got != want {
			t.Errorf("IsURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFetch(t *testing.T) {
	var buf bytes.Buffer
	png.Encode(&buf, createTestImage(20, 20))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scan.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(buf.Bytes())
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	data, err := Fetch(context.Background(), srv.URL+"/scan.png")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, _, err := New().DecodeBytes(data); err != nil {
		t.Errorf("Fetched bytes should decode: %v", err)
	}

	if _, err := Fetch(context.Background(), srv.URL+"/page"); err == nil {
		t.Error("Expected error for non-image content type")
	}
	if _, err := Fetch(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Error("Expected error for 404")
	}
	if _, err := Fetch(context.Background(), "file:///etc/passwd"); err == nil {
		t.Error("Expected error for file scheme")
	}
}
