package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ========== Health & Info ==========

// HandleHealth handles health check requests
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// HandleRoot serves the panel index, or a plain banner when none is deployed
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if s.config.PublicDir != "" {
		index := filepath.Join(s.config.PublicDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			http.ServeFile(w, r, index)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "✅ Panel online")
}

// HandleStatic serves files from the public directory
func (s *RESTServer) HandleStatic(w http.ResponseWriter, r *http.Request) {
	if s.config.PublicDir == "" {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	// http.Dir rejects paths that escape the root
	f, err := http.Dir(s.config.PublicDir).Open(r.URL.Path)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	info, err := f.Stat()
	f.Close()
	if err != nil || info.IsDir() {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	http.FileServer(http.Dir(s.config.PublicDir)).ServeHTTP(w, r)
}

// ========== Request decoding ==========

// errBadBody is returned when a request body cannot be decoded.
var errBadBody = errors.New("invalid request body")

// requestBody is a decoded device request. raw is always a JSON object,
// whichever encoding the client used.
type requestBody struct {
	raw    []byte
	fields map[string]interface{}
}

// decodeBody reads a JSON or form-urlencoded body.
func (s *RESTServer) decodeBody(w http.ResponseWriter, r *http.Request) (*requestBody, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, fmt.Errorf("%w: %v", errBadBody, err)
		}
		fields := make(map[string]interface{}, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) == 1 {
				fields[key] = values[0]
			} else {
				fields[key] = values
			}
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadBody, err)
		}
		return &requestBody{raw: raw, fields: fields}, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadBody, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	fields := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadBody, err)
	}
	return &requestBody{raw: raw, fields: fields}, nil
}

// into decodes the body into a request struct and validates it.
func (s *RESTServer) into(body *requestBody, req interface{}) error {
	if err := json.Unmarshal(body.raw, req); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return s.validator.Validate(req)
}

// ========== Helper Functions ==========

func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// flexString accepts a JSON string, number or boolean.
type flexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(raw)
	return nil
}

// ptr returns nil for an absent or blank value.
func (f *flexString) ptr() *string {
	if f == nil {
		return nil
	}
	s := strings.TrimSpace(string(*f))
	if s == "" {
		return nil
	}
	return &s
}
