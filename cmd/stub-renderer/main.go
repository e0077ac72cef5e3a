// Command stub-renderer is a local stand-in for the rendering backend. It
// answers POST /render with a fixed 1x1 image or a tiny PDF.
package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	pixelPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")
	minimalPDF  = []byte("%PDF-1.4\n1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n2 0 obj<</Type/Pages/Kids[]/Count 0>>endobj\ntrailer<</Root 1 0 R>>\n%%EOF\n")
)

type renderRequest struct {
	URL      string `json:"url"`
	Format   string `json:"format"`
	Selector string `json:"selector"`
	DelayMs  int64  `json:"delay_ms"`
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func main() {
	http.HandleFunc("/render", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid_target", "bad request body")
			return
		}

		target, err := url.Parse(req.URL)
		if err != nil || target.Host == "" {
			writeFailure(w, http.StatusUnprocessableEntity, "invalid_target", "invalid url")
			return
		}
		// Hosts ending in .invalid simulate an unreachable target.
		if strings.HasSuffix(target.Hostname(), ".invalid") {
			writeFailure(w, http.StatusUnprocessableEntity, "target_unreachable", "dns lookup failed")
			return
		}
		if req.Selector == "#missing" {
			writeFailure(w, http.StatusUnprocessableEntity, "element_not_found", "selector matched nothing")
			return
		}

		select {
		case <-time.After(time.Duration(req.DelayMs) * time.Millisecond):
		case <-r.Context().Done():
			return
		}

		if req.Format == "pdf" {
			w.Header().Set("Content-Type", "application/pdf")
			w.Write(minimalPDF)
		} else {
			w.Header().Set("Content-Type", "image/png")
			w.Write(pixelPNG)
		}
		log.Printf("Rendered %s as %s", req.URL, req.Format)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9000"
	}
	log.Printf("Stub renderer starting on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}
