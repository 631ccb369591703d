package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Error kinds, matched with errors.Is against a *RequestError.
var (
	ErrNotFound   = errors.New("api: not found")
	ErrForbidden  = errors.New("api: forbidden")
	ErrTimeout    = errors.New("api: timeout")
	ErrBadRequest = errors.New("api: bad request")
	ErrRejected   = errors.New("api: request rejected")
)

// RequestError is returned for failed calls. Message is the text shown to the
// operator, chosen by the endpoint's error policy.
type RequestError struct {
	Endpoint string
	Status   int // zero when no response was received
	Kind     error
	Message  string
	Err      error
}

func (e *RequestError) Error() string { return e.Message }

func (e *RequestError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Detail renders the error with endpoint and status, for logs.
func (e *RequestError) Detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Endpoint)
	if e.Status != 0 {
		fmt.Fprintf(&b, " [%d]", e.Status)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

// errorPolicy maps a failure to an operator message. Empty entries are
// skipped; the checks run in field order.
type errorPolicy struct {
	bodyError  bool
	notFound   string
	badRequest string
	forbidden  string
	timeout    string
	fallback   string
}

const (
	msgReportNotFound = "Report not found. Please check the report ID."
	msgReportMissing  = "Report with this ID does not exist. Please check the ID and try again."
)

var (
	policyLogin    = errorPolicy{fallback: "Error logging in"}
	policyOTP      = errorPolicy{fallback: "Error verifying OTP"}
	policyBrowser  = errorPolicy{fallback: "Error fetching browser status"}
	policyValidate = errorPolicy{badRequest: msgReportMissing, fallback: "Error validating Excel data"}
	policyUpload   = errorPolicy{fallback: "Error uploading assets to DB"}

	policyGrabMacros = errorPolicy{
		bodyError:  true,
		notFound:   msgReportNotFound,
		badRequest: "Invalid report ID format.",
		timeout:    "Request timeout. Please try again.",
		fallback:   "Error extracting macro IDs. Please try again.",
	}
	policyDeleteReport = errorPolicy{
		bodyError: true,
		notFound:  msgReportNotFound,
		forbidden: "You do not have permission to delete this report.",
		timeout:   "Deletion timeout. Please try again.",
		fallback:  "Error deleting report. Please try again.",
	}
	policyDeleteAssets = errorPolicy{
		bodyError: true,
		notFound:  msgReportNotFound,
		forbidden: "You do not have permission to delete assets of this report.",
		timeout:   "Deletion timeout. Please try again.",
		fallback:  "Error deleting assets. Please try again.",
	}
	policyChangeStatus = errorPolicy{
		bodyError: true,
		notFound:  msgReportNotFound,
		forbidden: "You do not have permission to change this report.",
		timeout:   "Request timeout. Please try again.",
		fallback:  "Error changing report status. Please try again.",
	}
	policyCreateAssets = errorPolicy{
		bodyError: true,
		timeout:   "Asset creation timeout. Please try again.",
		fallback:  "Error creating assets",
	}

	policyEditMacros = errorPolicy{bodyError: true, fallback: "An unexpected error occurred while submitting macro"}
	policyCheck      = errorPolicy{bodyError: true, fallback: "An unexpected error occurred while checking macro status"}
	policyPause      = errorPolicy{bodyError: true, fallback: "Error pausing processing"}
	policyResume     = errorPolicy{bodyError: true, fallback: "Error resuming processing"}

	policyReport    = errorPolicy{notFound: msgReportNotFound, fallback: "Error fetching report"}
	policyMetrics   = errorPolicy{fallback: "Error fetching metrics"}
	policyCompanies = errorPolicy{fallback: "Failed to fetch companies"}
	policyNavigate  = errorPolicy{fallback: "Failed to navigate to company"}
)

// resolve builds the RequestError for a failed call. status is zero when no
// response arrived.
func (p errorPolicy) resolve(endpoint string, status int, bodyErr string, cause error) *RequestError {
	re := &RequestError{Endpoint: endpoint, Status: status, Err: cause}

	switch status {
	case http.StatusNotFound:
		re.Kind = ErrNotFound
	case http.StatusForbidden:
		re.Kind = ErrForbidden
	case http.StatusBadRequest:
		re.Kind = ErrBadRequest
	}
	timedOut := isTimeout(cause)
	if timedOut {
		re.Kind = ErrTimeout
	}

	switch {
	case p.bodyError && bodyErr != "":
		re.Message = bodyErr
	case p.notFound != "" && status == http.StatusNotFound:
		re.Message = p.notFound
	case p.badRequest != "" && status == http.StatusBadRequest:
		re.Message = p.badRequest
	case p.forbidden != "" && status == http.StatusForbidden:
		re.Message = p.forbidden
	case p.timeout != "" && timedOut:
		re.Message = p.timeout
	default:
		re.Message = p.fallback
	}
	return re
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
