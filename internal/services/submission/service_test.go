package submission

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taqeem-console/internal/api"
	"taqeem-console/internal/logger"
	"taqeem-console/internal/progress"
)

type call struct {
	method   string
	reportID string
	n        int
}

type fakeBackend struct {
	calls []call

	editEnv   *api.Envelope
	editErr   error
	checkEnv  *api.Envelope
	controlFn func(attempt int) (*api.Envelope, error)
	validate  *api.ValidateResult
	validErr  error
	deleteEnv *api.Envelope
}

func (f *fakeBackend) record(method, id string, n int) {
	f.calls = append(f.calls, call{method: method, reportID: id, n: n})
}

func (f *fakeBackend) methods() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func ok() *api.Envelope { return &api.Envelope{Success: true} }

func (f *fakeBackend) EditMacros(_ context.Context, id string, tabs int) (*api.Envelope, error) {
	f.record("edit", id, tabs)
	if f.editErr != nil {
		return nil, f.editErr
	}
	if f.editEnv != nil {
		return f.editEnv, nil
	}
	return ok(), nil
}

func (f *fakeBackend) CheckMacroStatus(_ context.Context, id string, tabs int) (*api.Envelope, error) {
	f.record("check", id, tabs)
	return f.checkEnv, nil
}

func (f *fakeBackend) HalfCheckMacroStatus(_ context.Context, id string, tabs int) (*api.Envelope, error) {
	f.record("half-check", id, tabs)
	return f.checkEnv, nil
}

func (f *fakeBackend) control(method, id string) (*api.Envelope, error) {
	f.record(method, id, 0)
	if f.controlFn != nil {
		return f.controlFn(len(f.calls))
	}
	return ok(), nil
}

func (f *fakeBackend) PauseProcessing(_ context.Context, id string) (*api.Envelope, error) {
	return f.control("pause", id)
}

func (f *fakeBackend) ResumeProcessing(_ context.Context, id string) (*api.Envelope, error) {
	return f.control("resume", id)
}

func (f *fakeBackend) GrabMacroIDs(_ context.Context, id string, tabs int) (*api.Envelope, error) {
	f.record("grab", id, tabs)
	return ok(), nil
}

func (f *fakeBackend) ValidateReport(_ context.Context, id string, _ interface{}) (*api.ValidateResult, error) {
	f.record("validate", id, 0)
	return f.validate, f.validErr
}

func (f *fakeBackend) CreateAssets(_ context.Context, id string, macros, _ int) (*api.Envelope, error) {
	f.record("create", id, macros)
	return ok(), nil
}

func (f *fakeBackend) DeleteReport(_ context.Context, id string) (*api.Envelope, error) {
	f.record("delete-report", id, 0)
	return f.deleteEnv, nil
}

func (f *fakeBackend) DeleteAssets(_ context.Context, id string) (*api.Envelope, error) {
	f.record("delete-assets", id, 0)
	return f.deleteEnv, nil
}

func (f *fakeBackend) ChangeReportStatus(_ context.Context, id string) (*api.Envelope, error) {
	f.record("change-status", id, 0)
	return f.deleteEnv, nil
}

func newTestService(b *fakeBackend) (*Service, *progress.Store) {
	store := progress.NewStore(logger.Discard())
	svc := NewService(b, store, logger.Discard())
	svc.sleep = func(time.Duration) {}
	return svc, store
}

func TestSubmitMacro(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reject blank report ids and bad tab counts", func(t *testing.T) {
		b := &fakeBackend{}
		svc, store := newTestService(b)

		_, err := svc.SubmitMacro(ctx, "   ", 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.EqualError(t, err, "Please enter a report ID")

		_, err = svc.SubmitMacro(ctx, "R1", 0)
		assert.EqualError(t, err, "Please enter a valid number of tabs (minimum 1)")

		assert.Empty(t, b.calls)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("Should write INITIALIZING and leave the rest to events", func(t *testing.T) {
		b := &fakeBackend{}
		svc, store := newTestService(b)

		var seen []progress.Status
		store.Watch(func(c progress.Change) { seen = append(seen, c.Record.Status) })

		env, err := svc.SubmitMacro(ctx, " R100 ", 3)
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.Equal(t, []call{{method: "edit", reportID: "R100", n: 3}}, b.calls)

		rec, ok := store.Get("R100")
		require.True(t, ok)
		assert.Equal(t, progress.StatusInitializing, rec.Status)
		assert.Equal(t, "Initializing macro submission...", rec.Message)
		assert.Equal(t, 0.0, rec.Progress)
		assert.Equal(t, progress.ActionSubmit, rec.ActionType)
		require.NotNil(t, rec.Data)
		assert.Equal(t, 0, rec.Data.Total)
		assert.Equal(t, []progress.Status{progress.StatusInitializing}, seen)
	})

	t.Run("Should restart a job that already finished", func(t *testing.T) {
		b := &fakeBackend{}
		svc, store := newTestService(b)
		_, _, err := store.Upsert("R1", progress.Update{Status: progress.Ptr(progress.StatusComplete), Progress: progress.Ptr(100.0)})
		require.NoError(t, err)

		_, err = svc.RetryMacro(ctx, "R1", 1)
		require.NoError(t, err)

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusInitializing, rec.Status)
		assert.Equal(t, 0.0, rec.Progress)
		assert.Equal(t, progress.ActionRetry, rec.ActionType)
	})

	t.Run("Should mark immediate rejections as failed", func(t *testing.T) {
		b := &fakeBackend{editEnv: &api.Envelope{Success: false, Error: "Browser not logged in"}}
		svc, store := newTestService(b)

		env, err := svc.SubmitMacro(ctx, "R1", 1)
		assert.ErrorIs(t, err, api.ErrRejected)
		require.NotNil(t, env)

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusFailed, rec.Status)
		assert.Equal(t, "Error: Browser not logged in", rec.Message)
		assert.Equal(t, 0.0, rec.Progress)
	})

	t.Run("Should mark request failures as failed", func(t *testing.T) {
		reqErr := &api.RequestError{Endpoint: api.PathEditMacros, Status: http.StatusBadGateway, Message: "Error submitting macro"}
		b := &fakeBackend{editErr: reqErr}
		svc, store := newTestService(b)

		_, err := svc.SubmitMacro(ctx, "R1", 1)
		assert.ErrorAs(t, err, &reqErr)

		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusFailed, rec.Status)
		assert.Equal(t, "Error: Error submitting macro", rec.Message)
	})

	t.Run("Should keep unanswered submissions open to later events", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
		}{
			{name: "Timeout", err: &api.RequestError{Endpoint: api.PathEditMacros, Kind: api.ErrTimeout, Message: "Request timed out"}},
			{name: "No response", err: &api.RequestError{Endpoint: api.PathEditMacros, Message: "Request timed out", Err: errors.New("connection reset")}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := &fakeBackend{editErr: tt.err}
				svc, store := newTestService(b)

				_, err := svc.SubmitMacro(ctx, "R1", 1)
				require.Error(t, err)

				rec, _ := store.Get("R1")
				assert.Equal(t, progress.StatusProcessing, rec.Status)
				assert.Equal(t, "Error: Request timed out", rec.Message)

				_, _, err = store.Upsert("R1", progress.Update{
					Status:   progress.Ptr(progress.StatusProcessing),
					Progress: progress.Ptr(60.0),
				})
				require.NoError(t, err)
				rec, _ = store.Get("R1")
				assert.Equal(t, 60.0, rec.Progress)

				_, _, err = store.Upsert("R1", progress.Update{
					Status:   progress.Ptr(progress.StatusComplete),
					Progress: progress.Ptr(100.0),
				})
				require.NoError(t, err)
				rec, _ = store.Get("R1")
				assert.Equal(t, progress.StatusComplete, rec.Status)
				assert.Equal(t, 100.0, rec.Progress)
			})
		}
	})

	t.Run("Should keep unaddressed rejections pending", func(t *testing.T) {
		b := &fakeBackend{editEnv: &api.Envelope{Success: false}}
		svc, store := newTestService(b)

		_, err := svc.SubmitMacro(ctx, "R1", 1)
		require.NoError(t, err)
		rec, _ := store.Get("R1")
		assert.Equal(t, progress.StatusInitializing, rec.Status)
	})
}

func TestCheck(t *testing.T) {
	b := &fakeBackend{checkEnv: ok()}
	svc, store := newTestService(b)

	_, err := svc.Check(context.Background(), "R1", 2, CheckFull)
	require.NoError(t, err)
	_, err = svc.Check(context.Background(), "R1", 2, CheckHalf)
	require.NoError(t, err)
	_, err = svc.Check(context.Background(), "", 2, CheckHalf)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, []string{"check", "half-check"}, b.methods())
	assert.Equal(t, 0, store.Len(), "checks never write progress")
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("Should flag the local record", func(t *testing.T) {
		b := &fakeBackend{}
		svc, store := newTestService(b)
		_, _, err := store.Upsert("R1", progress.Update{Status: progress.Ptr(progress.StatusProcessing)})
		require.NoError(t, err)

		_, err = svc.Pause(ctx, "R1")
		require.NoError(t, err)
		rec, _ := store.Get("R1")
		assert.True(t, rec.Paused)
		assert.Equal(t, progress.StatusPaused, rec.DisplayStatus())

		_, err = svc.Resume(ctx, "R1")
		require.NoError(t, err)
		rec, _ = store.Get("R1")
		assert.False(t, rec.Paused)
		assert.Equal(t, []string{"pause", "resume"}, b.methods())
	})

	t.Run("Should not create records for unknown jobs", func(t *testing.T) {
		svc, store := newTestService(&fakeBackend{})
		_, err := svc.Pause(ctx, "R9")
		require.NoError(t, err)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("Should retry transient failures", func(t *testing.T) {
		b := &fakeBackend{controlFn: func(attempt int) (*api.Envelope, error) {
			if attempt < 3 {
				return nil, &api.RequestError{Status: 0, Kind: api.ErrTimeout, Message: "Request timeout. Please try again."}
			}
			return ok(), nil
		}}
		svc, _ := newTestService(b)

		_, err := svc.Pause(ctx, "R1")
		require.NoError(t, err)
		assert.Len(t, b.calls, 3)
	})

	t.Run("Should not retry definitive answers", func(t *testing.T) {
		b := &fakeBackend{controlFn: func(int) (*api.Envelope, error) {
			return nil, &api.RequestError{Status: http.StatusNotFound, Kind: api.ErrNotFound, Message: "Report not found. Please check the report ID."}
		}}
		svc, _ := newTestService(b)

		_, err := svc.Resume(ctx, "R1")
		assert.ErrorIs(t, err, api.ErrNotFound)
		assert.Len(t, b.calls, 1)
	})

	t.Run("Should give up after the configured attempts", func(t *testing.T) {
		b := &fakeBackend{controlFn: func(int) (*api.Envelope, error) {
			return nil, &api.RequestError{Status: http.StatusServiceUnavailable, Message: "Error pausing processing"}
		}}
		svc, _ := newTestService(b)
		WithControlAttempts(2)(svc)

		_, err := svc.Pause(ctx, "R1")
		assert.EqualError(t, err, "Error pausing processing")
		assert.Len(t, b.calls, 2)
	})
}

func TestReset(t *testing.T) {
	svc, store := newTestService(&fakeBackend{})
	_, _, err := store.Upsert("R1", progress.Update{Status: progress.Ptr(progress.StatusFailed)})
	require.NoError(t, err)

	assert.True(t, svc.Reset(" R1 "))
	assert.False(t, svc.Reset("R1"))
	assert.False(t, svc.Reset(""))
	_, ok := store.Get("R1")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		result  *api.ValidateResult
		err     error
		purpose Purpose
		wantOK  bool
		wantMsg string
	}{
		{name: "Success", result: &api.ValidateResult{Status: api.ValidateSuccess}, wantOK: true},
		{name: "Not found", result: &api.ValidateResult{Status: api.ValidateNotFound}, wantMsg: "Report with this ID does not exist. Please check the ID and try again."},
		{name: "Macros exist for upload", result: &api.ValidateResult{Status: api.ValidateMacrosExist, AssetsExact: 7}, wantMsg: "Report Exist with  7 macros. Please use a different report ID."},
		{name: "Macros exist for asset creation", result: &api.ValidateResult{Status: api.ValidateMacrosExist, AssetsExact: 7}, purpose: PurposeCreateAssets, wantMsg: "Only works on reports with no macros. Please use a different report ID."},
		{name: "Unexpected status", result: &api.ValidateResult{Status: "WAT"}, wantMsg: "Unexpected response from server. Please try again."},
		{name: "Bad request means missing", err: &api.RequestError{Status: http.StatusBadRequest, Kind: api.ErrBadRequest, Message: "x"}, wantMsg: "Report with this ID does not exist. Please check the ID and try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(&fakeBackend{validate: tt.result, validErr: tt.err})
			v, err := svc.Validate(ctx, "R1", nil, tt.purpose)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, v.OK)
			assert.Equal(t, tt.wantMsg, v.Message)
		})
	}

	t.Run("Should pass other failures through", func(t *testing.T) {
		boom := errors.New("boom")
		svc, _ := newTestService(&fakeBackend{validErr: boom})
		_, err := svc.Validate(ctx, "R1", nil, PurposeUpload)
		assert.ErrorIs(t, err, boom)
	})
}

func TestCreateAssets(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create after a clean validation", func(t *testing.T) {
		b := &fakeBackend{validate: &api.ValidateResult{Status: api.ValidateSuccess}}
		svc, _ := newTestService(b)

		env, v, err := svc.CreateAssets(ctx, "R1", 5, 2)
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.True(t, v.OK)
		assert.Equal(t, []string{"validate", "create"}, b.methods())
	})

	t.Run("Should stop when the report has macros", func(t *testing.T) {
		b := &fakeBackend{validate: &api.ValidateResult{Status: api.ValidateMacrosExist, AssetsExact: 3}}
		svc, _ := newTestService(b)

		env, v, err := svc.CreateAssets(ctx, "R1", 5, 2)
		require.NoError(t, err)
		assert.Nil(t, env)
		assert.False(t, v.OK)
		assert.Equal(t, []string{"validate"}, b.methods())
	})

	t.Run("Should reject non-positive macro counts", func(t *testing.T) {
		svc, _ := newTestService(&fakeBackend{})
		_, _, err := svc.CreateAssets(ctx, "R1", 0, 1)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		kind       DeleteKind
		method     string
		wantKeeper bool
	}{
		{kind: DeleteReport, method: "delete-report"},
		{kind: DeleteAssets, method: "delete-assets"},
		{kind: ChangeReportStatus, method: "change-status", wantKeeper: true},
	}

	for _, tt := range tests {
		t.Run("Should run "+string(tt.kind), func(t *testing.T) {
			b := &fakeBackend{deleteEnv: ok()}
			svc, store := newTestService(b)
			_, _, err := store.Upsert("R1", progress.Update{Progress: progress.Ptr(10.0)})
			require.NoError(t, err)

			_, err = svc.Delete(ctx, "R1", tt.kind)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.method}, b.methods())
			_, kept := store.Get("R1")
			assert.Equal(t, tt.wantKeeper, kept)
		})
	}

	t.Run("Should keep records when the backend refuses", func(t *testing.T) {
		svc, store := newTestService(&fakeBackend{deleteEnv: &api.Envelope{Success: false}})
		_, _, err := store.Upsert("R1", progress.Update{})
		require.NoError(t, err)

		_, err = svc.Delete(ctx, "R1", DeleteReport)
		require.NoError(t, err)
		_, kept := store.Get("R1")
		assert.True(t, kept)
	})

	t.Run("Should reject unknown kinds", func(t *testing.T) {
		svc, _ := newTestService(&fakeBackend{})
		_, err := svc.Delete(ctx, "R1", "everything")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
