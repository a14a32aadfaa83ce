package intake

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var (
	// ErrPathTraversal means the logical path tried to escape the evidence
	// namespace.
	ErrPathTraversal = errors.New("intake: path traversal rejected")
	// ErrInvalidRange means the Range header was malformed or unsatisfiable.
	ErrInvalidRange = errors.New("intake: invalid range")
)

// resolveObjectKey maps a logical evidence path from the URL onto a storage
// key under the evidence prefix. Anything attempting to step out of the
// namespace is rejected rather than rewritten.
func (s *Service) resolveObjectKey(logical string) (string, error) {
	logical = strings.TrimPrefix(logical, "/")
	if logical == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathTraversal)
	}
	for _, seg := range strings.Split(logical, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, logical)
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+logical), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, logical)
	}
	if strings.HasPrefix(clean, s.prefix) {
		return clean, nil
	}
	return s.prefix + clean, nil
}

// byteRange is one satisfiable span of a stored object.
type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) end() int64 { return r.start + r.length - 1 }

// parseRange interprets a single-span "bytes=start-end" header against an
// object of the given size. It also accepts the open-ended "start-" and
// suffix "-n" forms that media players send while seeking.
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	val := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if val == "" || strings.Contains(val, ",") {
		// Multi-range responses are not supported; reject rather than
		// silently serve the first span.
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	startStr, endStr, ok := strings.Cut(val, "-")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	if startStr == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, length: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	if start >= size {
		return byteRange{}, fmt.Errorf("%w: start %d beyond size %d", ErrInvalidRange, start, size)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return byteRange{start: start, length: end - start + 1}, nil
}

// handleStream serves stored evidence back out with byte-range support so
// audio players can seek. The object is copied chunk by chunk from the store
// to the client; it is never buffered in full.
func (h *HTTPHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	logical := chi.URLParam(r, "*")

	key, err := h.service.resolveObjectKey(logical)
	if err != nil {
		writeErr(w, err)
		return
	}

	info, err := h.service.store.Stat(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	caseID := metadataValue(info.Metadata, "case-id")
	actor := ActorFromContext(r.Context())

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		body, err := h.service.store.Get(r.Context(), key, 0, -1)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer body.Close()
		h.service.recordAccess(r.Context(), key, caseID, actor)
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		h.copyStream(w, body, key)
		return
	}

	br, err := parseRange(rangeHeader, info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeErr(w, err)
		return
	}

	body, err := h.service.store.Get(r.Context(), key, br.start, br.length)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer body.Close()
	h.service.recordAccess(r.Context(), key, caseID, actor)

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end(), info.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.length, 10))
	w.WriteHeader(http.StatusPartialContent)
	h.copyStream(w, body, key)
}

// copyStream streams the body to the client. A broken client connection just
// ends this response; the stored object is unaffected.
func (h *HTTPHandler) copyStream(w http.ResponseWriter, body io.Reader, key string) {
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("evidence stream interrupted",
			zap.String("object_key", key), zap.Error(err))
	}
}

// metadataValue looks a key up case-insensitively; object store backends
// normalize user metadata key casing in transit.
func metadataValue(md map[string]string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// handleStat answers HEAD probes with the same headers a full GET would
// carry, so players can size the payload before requesting ranges.
func (h *HTTPHandler) handleStat(w http.ResponseWriter, r *http.Request) {
	key, err := h.service.resolveObjectKey(chi.URLParam(r, "*"))
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := h.service.store.Stat(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
}
