package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

// exceptionResponse is the error body returned by the service.
type exceptionResponse struct {
	Exception struct {
		ServiceCode string `json:"serviceCode"`
		Details     []struct {
			Code        int      `json:"exceptionCode"`
			Description string   `json:"exceptionDescription"`
			Details     []string `json:"details"`
		} `json:"exceptionDetailList"`
	} `json:"exception"`
	Status *struct {
		Code        int      `json:"code"`
		Description string   `json:"description"`
		Details     []string `json:"details"`
	} `json:"status"`
}

// statusError maps an HTTP error response onto a domain error.
func statusError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	details := fmt.Sprintf("%s %s: HTTP %d", resp.Request.Method, redactURL(resp.Request.URL.String()), status)
	if msg := exceptionMessage(body); msg != "" {
		details += ": " + msg
	}

	switch {
	case status == http.StatusTooManyRequests:
		err := domain.ErrRateLimited.WithStatus(status).WithDetails(details)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			err = err.WithRetryAfter(d)
		}
		return err
	case status >= 500:
		return domain.ErrRemoteUnavailable.WithStatus(status).WithDetails(details)
	default:
		return domain.ErrRemoteRejected.WithStatus(status).WithDetails(details)
	}
}

func exceptionMessage(body []byte) string {
	var er exceptionResponse
	if len(body) == 0 || json.Unmarshal(body, &er) != nil {
		return ""
	}

	var parts []string
	for _, d := range er.Exception.Details {
		msg := strconv.Itoa(d.Code) + " " + d.Description
		if len(d.Details) > 0 {
			msg += " (" + strings.Join(d.Details, "; ") + ")"
		}
		parts = append(parts, msg)
	}
	if len(parts) == 0 && er.Status != nil {
		parts = append(parts, strconv.Itoa(er.Status.Code)+" "+er.Status.Description)
	}
	return strings.Join(parts, ", ")
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
