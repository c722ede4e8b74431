package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

type stubController struct {
	report      Report
	pauseErr    error
	resumeErr   error
	flushErr    error
	optimizeErr error

	pausedDB    string
	resumedDB   string
	flushedDB   string
	optimizedDB string
}

func (c *stubController) Health(ctx context.Context) Report { return c.report }

func (c *stubController) Pause(database string) error {
	c.pausedDB = database
	return c.pauseErr
}

func (c *stubController) Resume(database string) error {
	c.resumedDB = database
	return c.resumeErr
}

func (c *stubController) Flush(ctx context.Context, database string) error {
	c.flushedDB = database
	return c.flushErr
}

func (c *stubController) Optimize(ctx context.Context, database string) error {
	c.optimizedDB = database
	return c.optimizeErr
}

func newTestServer(ctrl Controller) *Server {
	return NewServer("127.0.0.1", 0, ctrl, "", logrus.New())
}

func TestHandleHealthReturnsJSONReport(t *testing.T) {
	ctrl := &stubController{report: Report{
		Ingestor: ComponentReport{Name: "ingestor", State: "RUNNING"},
		Appliers: []ComponentReport{{Name: "shop", State: "LIVE"}},
	}}
	s := newTestServer(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ingestor", got.Ingestor.Name)
	assert.Equal(t, "RUNNING", got.Ingestor.State)
	require.Len(t, got.Appliers, 1)
	assert.Equal(t, "shop", got.Appliers[0].Name)
}

func TestHandlePauseRequiresDatabaseParameter(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(ctrl)
	handler := s.handleAction(ctrl.Pause)

	req := httptest.NewRequest(http.MethodPost, "/pause", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.pausedDB)
}

func TestHandlePauseCallsController(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(ctrl)
	handler := s.handleAction(ctrl.Pause)

	req := httptest.NewRequest(http.MethodPost, "/pause?database=shop", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "shop", ctrl.pausedDB)
}

func TestHandleActionPropagatesControllerError(t *testing.T) {
	ctrl := &stubController{pauseErr: assert.AnError}
	s := newTestServer(ctrl)
	handler := s.handleAction(ctrl.Pause)

	req := httptest.NewRequest(http.MethodPost, "/pause?database=shop", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCtxActionCallsController(t *testing.T) {
	ctrl := &stubController{}
	s := newTestServer(ctrl)
	handler := s.handleCtxAction(ctrl.Flush)

	req := httptest.NewRequest(http.MethodPost, "/flush?database=shop", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "shop", ctrl.flushedDB)
}

func TestReadHostStatsEmptyDataDirSkipsDisk(t *testing.T) {
	stats := readHostStats("")
	assert.Zero(t, stats.DiskFreeBytes)
}
