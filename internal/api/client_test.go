package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taqeem-console/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, Log: logger.Discard()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestEndpointRequests(t *testing.T) {
	t.Run("Should post trimmed report ids with tabs", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]interface{}
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "started"})
		})

		env, err := c.EditMacros(context.Background(), "  R100 ", 3)
		require.NoError(t, err)

		assert.True(t, env.Success)
		assert.Equal(t, "started", env.Message)
		assert.Equal(t, PathEditMacros, gotPath)
		assert.Equal(t, "R100", gotBody["reportId"])
		assert.Equal(t, 3.0, gotBody["tabsNum"])
	})

	t.Run("Should return rejected envelopes without an error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": "Browser not logged in"})
		})

		env, err := c.EditMacros(context.Background(), "R1", 1)
		require.NoError(t, err)
		assert.False(t, env.Success)
		assert.Equal(t, "Browser not logged in", env.Error)
	})

	t.Run("Should decode validate-report outcomes", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data":    map[string]interface{}{"status": "MACROS_EXIST", "assetsExact": 12},
			})
		})

		res, err := c.ValidateReport(context.Background(), "R1", nil)
		require.NoError(t, err)
		assert.Equal(t, ValidateMacrosExist, res.Status)
		assert.Equal(t, 12, res.AssetsExact)
	})

	t.Run("Should upload spreadsheets as multipart", func(t *testing.T) {
		var fileBody, reportID, city string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			reportID = r.FormValue("reportId")
			city = r.FormValue("city")
			f, _, err := r.FormFile("excelFile")
			require.NoError(t, err)
			b, _ := io.ReadAll(f)
			fileBody = string(b)
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		})

		_, err := c.SaveWithoutBase(context.Background(), Upload{
			ReportID: "R1",
			FileName: "assets.xlsx",
			File:     strings.NewReader("sheet-bytes"),
			City:     "Riyadh",
		})
		require.NoError(t, err)
		assert.Equal(t, "R1", reportID)
		assert.Equal(t, "Riyadh", city)
		assert.Equal(t, "sheet-bytes", fileBody)
	})

	t.Run("Should send the login method only when set", func(t *testing.T) {
		var bodies []map[string]string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var b map[string]string
			_ = json.NewDecoder(r.Body).Decode(&b)
			bodies = append(bodies, b)
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "requiresOtp": true})
		})

		res, err := c.Login(context.Background(), " op@example.com ", "secret ", "")
		require.NoError(t, err)
		assert.True(t, res.RequiresOTP)
		_, err = c.Login(context.Background(), "op@example.com", "secret", "SMS")
		require.NoError(t, err)

		require.Len(t, bodies, 2)
		assert.Equal(t, "op@example.com", bodies[0]["email"])
		assert.Equal(t, "secret", bodies[0]["password"])
		_, hasMethod := bodies[0]["method"]
		assert.False(t, hasMethod)
		assert.Equal(t, "SMS", bodies[1]["method"])
	})
}

func TestErrorMapping(t *testing.T) {
	type call func(c *Client) error

	grab := func(c *Client) error { _, err := c.GrabMacroIDs(context.Background(), "R1", 1); return err }
	del := func(c *Client) error { _, err := c.DeleteReport(context.Background(), "R1"); return err }
	create := func(c *Client) error { _, err := c.CreateAssets(context.Background(), "R1", 5, 0); return err }
	login := func(c *Client) error { _, err := c.Login(context.Background(), "a", "b", ""); return err }
	validate := func(c *Client) error { _, err := c.ValidateReport(context.Background(), "R1", nil); return err }

	tests := []struct {
		name    string
		call    call
		status  int
		body    interface{}
		want    string
		wantErr error
	}{
		{name: "Grab body error wins", call: grab, status: 404, body: map[string]string{"error": "No macros on report"}, want: "No macros on report", wantErr: ErrNotFound},
		{name: "Grab not found", call: grab, status: 404, body: map[string]string{}, want: "Report not found. Please check the report ID.", wantErr: ErrNotFound},
		{name: "Grab bad request", call: grab, status: 400, body: map[string]string{}, want: "Invalid report ID format.", wantErr: ErrBadRequest},
		{name: "Grab fallback", call: grab, status: 500, body: "oops", want: "Error extracting macro IDs. Please try again."},
		{name: "Delete not found", call: del, status: 404, body: map[string]string{}, want: "Report not found. Please check the report ID."},
		{name: "Delete forbidden", call: del, status: 403, body: map[string]string{}, want: "You do not have permission to delete this report.", wantErr: ErrForbidden},
		{name: "Delete fallback", call: del, status: 502, body: map[string]string{}, want: "Error deleting report. Please try again."},
		{name: "Create body error", call: create, status: 409, body: map[string]string{"error": "Report has macros"}, want: "Report has macros"},
		{name: "Create ignores not found", call: create, status: 404, body: map[string]string{}, want: "Error creating assets"},
		{name: "Login ignores body error", call: login, status: 401, body: map[string]string{"error": "bad password"}, want: "Error logging in"},
		{name: "Validate bad request means missing report", call: validate, status: 400, body: map[string]string{}, want: "Report with this ID does not exist. Please check the ID and try again."},
		{name: "Validate fallback", call: validate, status: 500, body: map[string]string{}, want: "Error validating Excel data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			err := tt.call(c)
			require.Error(t, err)

			var re *RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.want, re.Message)
			assert.Equal(t, tt.status, re.Status)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("Should map timeouts per endpoint", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Log: logger.Discard()})

		_, err := c.GrabMacroIDs(context.Background(), "R1", 1)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.EqualError(t, err, "Request timeout. Please try again.")

		_, err = c.DeleteReport(context.Background(), "R1")
		assert.EqualError(t, err, "Deletion timeout. Please try again.")

		_, err = c.CreateAssets(context.Background(), "R1", 1, 1)
		assert.EqualError(t, err, "Asset creation timeout. Please try again.")

		_, err = c.SubmitOTP(context.Background(), "123456")
		assert.EqualError(t, err, "Error verifying OTP")
	})
}

func TestCompanies(t *testing.T) {
	t.Run("Should list companies", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, PathCompanies, r.URL.Path)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data":    []map[string]string{{"name": "Acme", "url": "https://taqeem/acme"}},
			})
		})

		companies, err := c.Companies(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []Company{{Name: "Acme", URL: "https://taqeem/acme"}}, companies)
	})

	t.Run("Should surface rejected listings", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": false})
		})
		_, err := c.Companies(context.Background())
		assert.EqualError(t, err, "Failed to get companies")
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("Should report failed navigation", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{})
		})
		err := c.NavigateCompany(context.Background(), "https://taqeem/acme")
		assert.EqualError(t, err, "Failed to navigate to company")
	})
}

func TestReportByNumber(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathReportByNumber + "R1":
			hits.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"reportId": "R1"})
		case PathDeleteReport:
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{})
		}
	})
	ctx := context.Background()

	doc, err := c.ReportByNumber(ctx, "R1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reportId":"R1"}`, string(doc))

	_, err = c.ReportByNumber(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second lookup is served from cache")

	_, err = c.DeleteReport(ctx, "R1")
	require.NoError(t, err)
	_, err = c.ReportByNumber(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "delete evicts the cached report")

	_, err = c.ReportByNumber(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRUCache(t *testing.T) {
	c := newLRUCache(2)
	c.Put("a", "1")
	c.Put("b", "2")
	_, _ = c.Get("a")
	c.Put("c", "3")

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	c.Remove("a")
	c.Remove("missing")
	assert.Equal(t, 1, c.Len())
}
