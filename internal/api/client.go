// Package api is the request/response client for the Taqeem backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"taqeem-console/internal/logger"
)

// Endpoint paths, relative to the base URL.
const (
	PathLogin              = "/taqeemAuth/login"
	PathOTP                = "/taqeemAuth/otp"
	PathBrowserStatus      = "/taqeemAuth/browser/status"
	PathValidateReport     = "/taqeemSubmission/validate-report"
	PathCreateAssets       = "/taqeemSubmission/create-assets"
	PathSaveWithoutBase    = "/taqeemSubmission/save-without-base"
	PathGrabMacroIDs       = "/taqeemSubmission/grab-macro-ids"
	PathEditMacros         = "/taqeemSubmission/edit-macros"
	PathCheckMacroStatus   = "/taqeemSubmission/check-macro-status"
	PathHalfCheckMacro     = "/taqeemSubmission/half-check-macro-status"
	PathPauseProcessing    = "/taqeemSubmission/pause-processing"
	PathResumeProcessing   = "/taqeemSubmission/resume-processing"
	PathDeleteReport       = "/taqeemDelete/delete-report"
	PathDeleteAssets       = "/taqeemDelete/delete-assets"
	PathChangeReportStatus = "/taqeemDelete/change-report-status"
	PathReportByNumber     = "/reports/by-number/"
	PathMetrics            = "/taqeemResources/resources/metrics"
	PathCompanies          = "/taqeemResources/resources/companies"
	PathNavigateCompany    = "/taqeemResources/navigate/company"
)

// Envelope is the common response body.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the data field into v.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	CacheSize  int
	Log        *logger.Logger
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL string
	http    *resty.Client
	reports *lruCache
	log     *logger.Logger
}

// NewClient creates a client for the backend at opts.BaseURL.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		// macro jobs can hold the request open for minutes
		opts.Timeout = 10 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}

	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		reports: newLRUCache(opts.CacheSize),
		log:     logger.OrDefault(opts.Log).Component("api"),
	}

	c.http = resty.New().
		SetBaseURL(c.baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// only reads are retried; a repeated POST could start a second job
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests ||
				(r.StatusCode() >= 500 && r.StatusCode() <= 504)
		}).
		OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
			c.log.WithFields(logger.Fields{
				logger.FieldEndpoint:   r.Request.URL,
				logger.FieldStatus:     r.StatusCode(),
				logger.FieldDurationMs: r.Time().Milliseconds(),
			}).Debugf("%s request finished", r.Request.Method)
			return nil
		})

	return c
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SetTimeout changes the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// send executes req and decodes the envelope. Non-2xx responses and
// transport failures become a *RequestError chosen by policy. A 2xx body
// with success=false is returned as is.
func (c *Client) send(req *resty.Request, method, path string, policy errorPolicy) (*Envelope, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		re := policy.resolve(path, 0, "", err)
		c.log.WithField(logger.FieldEndpoint, path).WithError(err).Warn(re.Detail())
		return nil, re
	}

	var env Envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)

	if !resp.IsSuccess() {
		re := policy.resolve(path, resp.StatusCode(), env.Error, fmt.Errorf("http %d", resp.StatusCode()))
		c.log.WithField(logger.FieldEndpoint, path).Warn(re.Detail())
		return nil, re
	}
	if decodeErr != nil {
		re := policy.resolve(path, resp.StatusCode(), "", fmt.Errorf("decode response: %w", decodeErr))
		c.log.WithField(logger.FieldEndpoint, path).Warn(re.Detail())
		return nil, re
	}
	return &env, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, policy errorPolicy) (*Envelope, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	return c.send(req, http.MethodPost, path, policy)
}

func (c *Client) get(ctx context.Context, path string, policy errorPolicy) (*Envelope, error) {
	return c.send(c.http.R().SetContext(ctx), http.MethodGet, path, policy)
}

// rejected turns a success=false envelope into an error carrying the body
// error, or fallback when the body has none.
func rejected(path string, env *Envelope, fallback string) error {
	msg := env.Error
	if msg == "" {
		msg = fallback
	}
	return &RequestError{Endpoint: path, Kind: ErrRejected, Message: msg}
}

type reportBody struct {
	ReportID string `json:"reportId"`
}

type reportTabsBody struct {
	ReportID string `json:"reportId"`
	TabsNum  int    `json:"tabsNum"`
}

// LoginResult is the login response.
type LoginResult struct {
	Success     bool   `json:"success"`
	RequiresOTP bool   `json:"requiresOtp"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Login starts a backend browser session. method selects the OTP channel and
// may be empty.
func (c *Client) Login(ctx context.Context, email, password, method string) (*LoginResult, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": strings.TrimSpace(password),
	}
	if method != "" {
		body["method"] = method
	}

	req := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
	resp, err := req.Post(PathLogin)
	if err != nil {
		return nil, policyLogin.resolve(PathLogin, 0, "", err)
	}
	if !resp.IsSuccess() {
		return nil, policyLogin.resolve(PathLogin, resp.StatusCode(), "", fmt.Errorf("http %d", resp.StatusCode()))
	}
	var out LoginResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, policyLogin.resolve(PathLogin, resp.StatusCode(), "", err)
	}
	return &out, nil
}

// SubmitOTP completes a login that required a one-time password.
func (c *Client) SubmitOTP(ctx context.Context, otp string) (*Envelope, error) {
	return c.postJSON(ctx, PathOTP, map[string]string{"otp": strings.TrimSpace(otp)}, policyOTP)
}

// BrowserStatus reports the backend browser session state.
func (c *Client) BrowserStatus(ctx context.Context) (*Envelope, error) {
	return c.get(ctx, PathBrowserStatus, policyBrowser)
}

// ValidateStatus is the outcome of validate-report.
type ValidateStatus string

const (
	ValidateNotFound    ValidateStatus = "NOT_FOUND"
	ValidateSuccess     ValidateStatus = "SUCCESS"
	ValidateMacrosExist ValidateStatus = "MACROS_EXIST"
)

// ValidateResult is the data of a validate-report response.
type ValidateResult struct {
	Status      ValidateStatus `json:"status"`
	AssetsExact int            `json:"assetsExact,omitempty"`
}

// ValidateReport checks whether a report exists and whether it already has
// macros.
func (c *Client) ValidateReport(ctx context.Context, reportID string, fileData interface{}) (*ValidateResult, error) {
	if fileData == nil {
		fileData = map[string]interface{}{}
	}
	body := map[string]interface{}{
		"reportId": strings.TrimSpace(reportID),
		"fileData": fileData,
	}
	env, err := c.postJSON(ctx, PathValidateReport, body, policyValidate)
	if err != nil {
		return nil, err
	}
	var out ValidateResult
	if err := env.DecodeData(&out); err != nil {
		return nil, policyValidate.resolve(PathValidateReport, http.StatusOK, "", err)
	}
	return &out, nil
}

// CreateAssets asks the backend to create macroCount assets on a report.
func (c *Client) CreateAssets(ctx context.Context, reportID string, macroCount, tabsNum int) (*Envelope, error) {
	if tabsNum <= 0 {
		tabsNum = 3
	}
	body := map[string]interface{}{
		"reportId":   strings.TrimSpace(reportID),
		"macroCount": macroCount,
		"tabsNum":    tabsNum,
	}
	return c.postJSON(ctx, PathCreateAssets, body, policyCreateAssets)
}

// Upload is a spreadsheet upload for save-without-base.
type Upload struct {
	ReportID       string
	FileName       string
	File           io.Reader
	Region         string
	City           string
	InspectionDate string
}

// SaveWithoutBase uploads a spreadsheet of assets for a report.
func (c *Client) SaveWithoutBase(ctx context.Context, u Upload) (*Envelope, error) {
	form := map[string]string{"reportId": strings.TrimSpace(u.ReportID)}
	for k, v := range map[string]string{"region": u.Region, "city": u.City, "inspectionDate": u.InspectionDate} {
		if v != "" {
			form[k] = v
		}
	}
	req := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetFileReader("excelFile", u.FileName, u.File)
	return c.send(req, http.MethodPost, PathSaveWithoutBase, policyUpload)
}

// GrabMacroIDs extracts the macro ids of a report.
func (c *Client) GrabMacroIDs(ctx context.Context, reportID string, tabsNum int) (*Envelope, error) {
	return c.postJSON(ctx, PathGrabMacroIDs, reportTabsBody{strings.TrimSpace(reportID), tabsNum}, policyGrabMacros)
}

// EditMacros starts the macro edit job. The response only acknowledges the
// start; progress and the terminal result arrive as events.
func (c *Client) EditMacros(ctx context.Context, reportID string, tabsNum int) (*Envelope, error) {
	return c.postJSON(ctx, PathEditMacros, reportTabsBody{strings.TrimSpace(reportID), tabsNum}, policyEditMacros)
}

// CheckMacroStatus runs a full status check of a report's macros.
func (c *Client) CheckMacroStatus(ctx context.Context, reportID string, tabsNum int) (*Envelope, error) {
	return c.postJSON(ctx, PathCheckMacroStatus, reportTabsBody{strings.TrimSpace(reportID), tabsNum}, policyCheck)
}

// HalfCheckMacroStatus runs the lighter status check.
func (c *Client) HalfCheckMacroStatus(ctx context.Context, reportID string, tabsNum int) (*Envelope, error) {
	return c.postJSON(ctx, PathHalfCheckMacro, reportTabsBody{strings.TrimSpace(reportID), tabsNum}, policyCheck)
}

func (c *Client) PauseProcessing(ctx context.Context, reportID string) (*Envelope, error) {
	return c.postJSON(ctx, PathPauseProcessing, reportBody{strings.TrimSpace(reportID)}, policyPause)
}

func (c *Client) ResumeProcessing(ctx context.Context, reportID string) (*Envelope, error) {
	return c.postJSON(ctx, PathResumeProcessing, reportBody{strings.TrimSpace(reportID)}, policyResume)
}

// DeleteReport deletes a report and drops it from the lookup cache.
func (c *Client) DeleteReport(ctx context.Context, reportID string) (*Envelope, error) {
	reportID = strings.TrimSpace(reportID)
	env, err := c.postJSON(ctx, PathDeleteReport, reportBody{reportID}, policyDeleteReport)
	if err == nil {
		c.reports.Remove(reportID)
	}
	return env, err
}

func (c *Client) DeleteAssets(ctx context.Context, reportID string) (*Envelope, error) {
	reportID = strings.TrimSpace(reportID)
	env, err := c.postJSON(ctx, PathDeleteAssets, reportBody{reportID}, policyDeleteAssets)
	if err == nil {
		c.reports.Remove(reportID)
	}
	return env, err
}

func (c *Client) ChangeReportStatus(ctx context.Context, reportID string) (*Envelope, error) {
	reportID = strings.TrimSpace(reportID)
	env, err := c.postJSON(ctx, PathChangeReportStatus, reportBody{reportID}, policyChangeStatus)
	if err == nil {
		c.reports.Remove(reportID)
	}
	return env, err
}

// ReportByNumber returns the stored report document. Results are cached
// until the report is deleted or changed through this client.
func (c *Client) ReportByNumber(ctx context.Context, reportID string) (json.RawMessage, error) {
	reportID = strings.TrimSpace(reportID)
	if cached, ok := c.reports.Get(reportID); ok {
		return json.RawMessage(cached), nil
	}

	path := PathReportByNumber + reportID
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, policyReport.resolve(path, 0, "", err)
	}
	if !resp.IsSuccess() {
		return nil, policyReport.resolve(path, resp.StatusCode(), "", fmt.Errorf("http %d", resp.StatusCode()))
	}
	if !json.Valid(resp.Body()) {
		return nil, policyReport.resolve(path, resp.StatusCode(), "", fmt.Errorf("invalid json body"))
	}

	c.reports.Put(reportID, string(resp.Body()))
	return json.RawMessage(resp.Body()), nil
}

// Metrics returns the backend resource metrics.
func (c *Client) Metrics(ctx context.Context) (*Envelope, error) {
	return c.get(ctx, PathMetrics, policyMetrics)
}

// Company is one entry of the companies listing.
type Company struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Companies lists the companies available to the logged-in operator.
func (c *Client) Companies(ctx context.Context) ([]Company, error) {
	env, err := c.get(ctx, PathCompanies, policyCompanies)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, rejected(PathCompanies, env, "Failed to get companies")
	}
	var out []Company
	if err := env.DecodeData(&out); err != nil {
		return nil, policyCompanies.resolve(PathCompanies, http.StatusOK, "", err)
	}
	return out, nil
}

// NavigateCompany switches the backend browser to a company page.
func (c *Client) NavigateCompany(ctx context.Context, url string) error {
	env, err := c.postJSON(ctx, PathNavigateCompany, map[string]string{"url": url}, policyNavigate)
	if err != nil {
		return err
	}
	if !env.Success {
		return rejected(PathNavigateCompany, env, "Failed to navigate to company")
	}
	return nil
}
