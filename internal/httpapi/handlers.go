package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dreamsxin/objectstore/internal/store/storeerr"
)

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.Put(key, data); err != nil {
		writeStoreError(w, err)
		return
	}
	loc, err := s.cfg.Store.LocateForRead(key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("ETag", loc.ETag)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, true)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	s.serveObject(w, r, false)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, withBody bool) {
	key := r.PathValue("key")
	loc, err := s.cfg.Store.LocateForRead(key)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, loc.ETag) {
		s.cfg.Store.Metrics().NotModifiedTotal.Inc()
		w.Header().Set("ETag", loc.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if im := r.Header.Get("If-Match"); im != "" && !etagMatches(im, loc.ETag) {
		s.cfg.Store.Metrics().PreconditionFailedTotal.Inc()
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	w.Header().Set("ETag", loc.ETag)
	w.Header().Set("Accept-Ranges", "bytes")

	// HEAD never returns partial content: its only success status is 200,
	// so a stray Range header on a HEAD request is ignored rather than
	// producing a 206/416.
	rangeHdr := ""
	if withBody {
		rangeHdr = r.Header.Get("Range")
	}
	if rangeHdr == "" {
		w.Header().Set("Content-Length", strconv.FormatUint(loc.Length, 10))
		if !withBody {
			w.WriteHeader(http.StatusOK)
			return
		}
		f, err := os.Open(loc.Path)
		if err != nil {
			writeStoreError(w, storeerr.WrapIo("httpapi.serveObject", err))
			return
		}
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		n, _ := io.CopyN(w, io.NewSectionReader(f, int64(loc.Offset), int64(loc.Length)), int64(loc.Length))
		s.cfg.Store.Metrics().GetTotal.Inc()
		s.cfg.Store.Metrics().BytesOut.Add(float64(n))
		return
	}

	start, end, ok := parseRange(rangeHdr, loc.Length)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", loc.Length))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, loc.Length))
	w.Header().Set("Content-Length", strconv.FormatUint(length, 10))
	s.cfg.Store.Metrics().RangeGetTotal.Inc()

	if !withBody {
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	f, err := os.Open(loc.Path)
	if err != nil {
		writeStoreError(w, storeerr.WrapIo("httpapi.serveObject", err))
		return
	}
	defer f.Close()
	w.WriteHeader(http.StatusPartialContent)
	n, _ := io.CopyN(w, io.NewSectionReader(f, int64(loc.Offset+start), int64(length)), int64(length))
	s.cfg.Store.Metrics().GetTotal.Inc()
	s.cfg.Store.Metrics().BytesOut.Add(float64(n))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.cfg.Store.Delete(key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// etagMatches compares a (possibly comma-separated, possibly "*")
// If-Match/If-None-Match header value against a single resource ETag.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// parseRange parses "bytes=start-end" with an optional empty end meaning
// "to end of object". Returns ok=false for anything malformed or
// out-of-bounds, which callers turn into a 416.
func parseRange(header string, total uint64) (start, end uint64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false // multi-range not supported
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	startStr, endStr := parts[0], parts[1]
	if startStr == "" {
		return 0, 0, false // suffix ranges ("-500") not supported
	}
	s, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	var e uint64
	if endStr == "" {
		if total == 0 {
			return 0, 0, false
		}
		e = total - 1
	} else {
		e, err = strconv.ParseUint(endStr, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if s > e || e >= total {
		return 0, 0, false
	}
	return s, e, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	var se *storeerr.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case storeerr.NotFound:
			http.Error(w, "not found", http.StatusNotFound)
			return
		case storeerr.Deleted:
			http.Error(w, "deleted", http.StatusGone)
			return
		case storeerr.HashMismatch:
			http.Error(w, "stored content failed integrity check", http.StatusConflict)
			return
		}
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
