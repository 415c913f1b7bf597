// Copyright 2025 ShardFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"shardfs/internal/common"
	"shardfs/internal/shard"
	"shardfs/internal/storage"
)

// HTTPServer serves the file API over TCP.
type HTTPServer struct {
	srv  *http.Server
	addr string
}

// NewHTTPServer builds the API server around a shard manager. The status
// callback supplies the payload for GET /api/v1/status; it may be nil.
func NewHTTPServer(mgr *shard.Manager, status func() *StatusInfo) *HTTPServer {
	mux := http.NewServeMux()
	addRoutes(mux, mgr, status)
	return &HTTPServer{srv: &http.Server{Handler: logAccesses(mux)}}
}

// Start begins serving on the given listen address ("host:port") and returns
// the bound address, which differs from listen when port 0 was requested.
func (s *HTTPServer) Start(listen string) (string, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return "", fmt.Errorf("http listen on %s: %w", listen, err)
	}
	s.addr = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[http] serve: %v", err)
		}
	}()

	return s.addr, nil
}

// Addr returns the bound address, empty before Start.
func (s *HTTPServer) Addr() string {
	return s.addr
}

// Stop drains in-flight requests and closes the listener.
func (s *HTTPServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warnf("[http] shutdown: %v", err)
	}
}

func addRoutes(mux *http.ServeMux, mgr *shard.Manager, status func() *StatusInfo) {
	mux.Handle("PUT /api/v1/files/{path...}", handleWriteFile(mgr))
	mux.Handle("GET /api/v1/files/{path...}", handleReadFile(mgr))
	mux.Handle("DELETE /api/v1/files/{path...}", handleUnlink(mgr))

	mux.Handle("POST /api/v1/dirs/{path...}", handleMkdir(mgr))
	mux.Handle("GET /api/v1/dirs/{path...}", handleReadDir(mgr))
	mux.Handle("DELETE /api/v1/dirs/{path...}", handleRmdir(mgr))
	mux.Handle("GET /api/v1/dirs", handleReadDir(mgr))

	mux.Handle("GET /api/v1/stat/{path...}", handleStat(mgr))

	mux.Handle("GET /api/v1/status", handleStatus(status))
	mux.Handle("GET /api/v1/stats", handleStats(mgr))
	mux.Handle("GET /api/v1/verify", handleVerify(mgr))

	mux.Handle("/", http.NotFoundHandler())
}

func logAccesses(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("[http] %s %s", r.Method, r.URL.Path)
		h.ServeHTTP(w, r)
	})
}

// entryJSON is the wire form of a catalog entry. Size is omitted for
// directories; timestamps are unix milliseconds.
type entryJSON struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Size    *int64 `json:"size,omitempty"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
}

func toEntryJSON(e *storage.Entry) entryJSON {
	out := entryJSON{
		Path:    e.Path,
		Kind:    e.Kind,
		Created: e.Created.UnixMilli(),
		Updated: e.Updated.UnixMilli(),
	}
	if e.IsFile() {
		size := e.Size
		out.Size = &size
	}
	return out
}

type errorJSON struct {
	Error string `json:"error"`
}

func encode(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("[http] encode json: %v", err)
	}
}

func encodeError(w http.ResponseWriter, status int, err error) {
	encode(w, status, errorJSON{Error: err.Error()})
}

// encodeOpError maps namespace errors onto HTTP status codes.
func encodeOpError(w http.ResponseWriter, err error) {
	encodeError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotEmpty),
		errors.Is(err, common.ErrIsDir),
		errors.Is(err, common.ErrNotDir),
		errors.Is(err, common.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// contentETag returns a strong ETag from the xxh3-128 digest of data.
func contentETag(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return fmt.Sprintf(`"%x"`, sum[:])
}

func handleWriteFile(mgr *shard.Manager) http.Handler {
	type writeResponse struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")

		data, err := io.ReadAll(r.Body)
		if err != nil {
			encodeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}

		if err := mgr.WriteFile(r.Context(), path, data); err != nil {
			encodeOpError(w, err)
			return
		}

		encode(w, http.StatusOK, writeResponse{Path: path, Size: int64(len(data))})
	})
}

func handleReadFile(mgr *shard.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")

		data, err := mgr.ReadFile(r.Context(), path)
		if err != nil {
			encodeOpError(w, err)
			return
		}

		etag := contentETag(data)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		contentType := "application/octet-stream"
		if r.URL.Query().Get("format") == "text" {
			contentType = "text/plain; charset=utf-8"
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})
}

func handleUnlink(mgr *shard.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Unlink(r.Context(), r.PathValue("path")); err != nil {
			encodeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleMkdir(mgr *shard.Manager) http.Handler {
	type mkdirResponse struct {
		Path string `json:"path"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")
		if err := mgr.Mkdir(r.Context(), path); err != nil {
			encodeOpError(w, err)
			return
		}
		encode(w, http.StatusCreated, mkdirResponse{Path: path})
	})
}

func handleRmdir(mgr *shard.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Rmdir(r.Context(), r.PathValue("path")); err != nil {
			encodeOpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleReadDir(mgr *shard.Manager) http.Handler {
	type readDirResponse struct {
		Entries []entryJSON `json:"entries"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")

		var entries []*storage.Entry
		var err error
		if path == "" {
			entries, err = mgr.RootEntries(r.Context())
		} else {
			entries, err = mgr.ReadDirEntries(r.Context(), path)
		}
		if err != nil {
			encodeOpError(w, err)
			return
		}

		resp := readDirResponse{Entries: make([]entryJSON, 0, len(entries))}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, toEntryJSON(e))
		}
		encode(w, http.StatusOK, resp)
	})
}

func handleStat(mgr *shard.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, err := mgr.Stat(r.Context(), r.PathValue("path"))
		if err != nil {
			encodeOpError(w, err)
			return
		}
		encode(w, http.StatusOK, toEntryJSON(entry))
	})
}

func handleStatus(status func() *StatusInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			encodeError(w, http.StatusServiceUnavailable, errors.New("status unavailable"))
			return
		}
		encode(w, http.StatusOK, status())
	})
}

func handleStats(mgr *shard.Manager) http.Handler {
	type shardStatsJSON struct {
		Entries      int64 `json:"entries"`
		Files        int64 `json:"files"`
		Dirs         int64 `json:"dirs"`
		Blocks       int64 `json:"blocks"`
		ContentBytes int64 `json:"content_bytes"`
		StoredBytes  int64 `json:"stored_bytes"`
	}
	type statsResponse struct {
		Shards map[string]shardStatsJSON `json:"shards"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := mgr.Stats(r.Context())
		if err != nil {
			encodeOpError(w, err)
			return
		}

		resp := statsResponse{Shards: make(map[string]shardStatsJSON, len(stats))}
		for segment, s := range stats {
			resp.Shards[segment] = shardStatsJSON{
				Entries:      s.Entries,
				Files:        s.Files,
				Dirs:         s.Dirs,
				Blocks:       s.Blocks,
				ContentBytes: s.ContentBytes,
				StoredBytes:  s.StoredBytes,
			}
		}
		encode(w, http.StatusOK, resp)
	})
}

func handleVerify(mgr *shard.Manager) http.Handler {
	type problemJSON struct {
		Path string `json:"path"`
		Desc string `json:"desc"`
	}
	type verifyResponse struct {
		Clean    bool                     `json:"clean"`
		Problems map[string][]problemJSON `json:"problems,omitempty"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		problems, err := mgr.Verify(r.Context())
		if err != nil {
			encodeOpError(w, err)
			return
		}

		resp := verifyResponse{Clean: len(problems) == 0}
		if len(problems) > 0 {
			resp.Problems = make(map[string][]problemJSON, len(problems))
			for segment, list := range problems {
				out := make([]problemJSON, 0, len(list))
				for _, p := range list {
					out = append(out, problemJSON{Path: p.Path, Desc: p.Desc})
				}
				resp.Problems[segment] = out
			}
		}
		encode(w, http.StatusOK, resp)
	})
}
