// 文件路径: internal/api/handler/admin_util.go
// 模块说明: 请求体解码与查询参数解析工具。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

var errBadRequest = errors.New("bad request")

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeOrRespond decodes the body and writes 400 (or 413) when it fails.
func decodeOrRespond(w http.ResponseWriter, r *http.Request, action string, v any) bool {
	if err := decodeJSON(r, v); err != nil {
		var maxed *http.MaxBytesError
		if errors.As(err, &maxed) {
			respondError(w, http.StatusRequestEntityTooLarge, action, "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, action, "invalid json body")
		return false
	}
	return true
}

func urlID(w http.ResponseWriter, r *http.Request, action string) (int64, bool) {
	id, err := parseInt64(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, action, "invalid id")
		return 0, false
	}
	return id, true
}

func clampQueryInt(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if value < 0 {
		return 0
	}
	if value > 200 {
		return 200
	}
	return value
}

func optionalInt64(raw string) (*int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := parseInt64(raw)
	if err != nil {
		return nil, errBadRequest
	}
	return &v, nil
}

func optionalBool(raw string) (*bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return nil, errBadRequest
	}
	return &v, nil
}

func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

// pageParams reads page and page_size; page_size is capped at 200.
func pageParams(r *http.Request) (int, int) {
	query := r.URL.Query()
	page, err := strconv.Atoi(strings.TrimSpace(query.Get("page")))
	if err != nil || page < 1 {
		page = 1
	}
	return page, clampQueryInt(query.Get("page_size"), 20)
}
