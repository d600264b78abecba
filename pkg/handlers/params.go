package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

// DateLayout is the calendar date format accepted in query parameters.
const DateLayout = "2006-01-02"

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", apperrors.ErrParse, key)
	}
	return n, nil
}

// queryDate reads an optional YYYY-MM-DD query parameter.
func queryDate(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a date (YYYY-MM-DD)", apperrors.ErrParse, key)
	}
	return &t, nil
}
