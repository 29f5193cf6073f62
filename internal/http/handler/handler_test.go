package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/auth"
	"datagate/internal/http/middleware"
	"datagate/internal/model"
	"datagate/internal/repository/memory"
	"datagate/internal/service"
	serviceMocks "datagate/internal/service/mocks"
	"datagate/internal/storage"
	storageMocks "datagate/internal/storage/mocks"
)

const testWebhookSecret = "hook-secret"

type syncSpawner struct {
	mu   sync.Mutex
	errs []error
}

func (s *syncSpawner) Spawn(_ string, fn func(ctx context.Context) error) {
	err := fn(context.Background())
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

type gatewayFixture struct {
	app      *fiber.App
	tokens   service.TokenService
	datasets service.DatasetService
	store    *storageMocks.MockStorage
	net      *serviceMocks.MockTransferNetwork
	spawner  *syncSpawner
	verifier *auth.Verifier
	clock    *clock.Mock
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	policy := auth.Policy([]string{"auditor"})
	notes := memory.NewNotificationRepository()
	ledger := service.NewNotificationService(notes, clk, log, nil)
	datasets := service.NewDatasetService(memory.NewDatasetRepository(notes), ledger, policy, clk, log, nil, service.DatasetOptions{RetryCeiling: 2})
	tokens := service.NewTokenService(memory.NewTokenRepository(), clk, log, nil, service.TokenOptions{DownloadMaxUses: 2})
	net := &serviceMocks.MockTransferNetwork{}
	transfers := service.NewTransferOrchestrator(datasets, net, clk, log, nil, service.TransferOptions{
		RetryCeiling:   2,
		BackoffMin:     time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		OutcomeTimeout: time.Hour,
	})

	store := &storageMocks.MockStorage{}
	spawner := &syncSpawner{}
	verifier := auth.NewVerifier("jwt-secret", nil)

	g := NewGateway(Deps{
		Tokens:        tokens,
		Datasets:      datasets,
		Notifications: ledger,
		Transfers:     transfers,
		Storage:       store,
		Spawner:       spawner,
		Scopes:        policy,
		Log:           log,
	}, Options{
		UploadTTL:     15 * time.Minute,
		DownloadTTL:   time.Hour,
		Destination:   "net://archive",
		WebhookSecret: testWebhookSecret,
	})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(middleware.RequestID())
	RegisterRoutes(app, g, verifier, nil, prometheus.NewRegistry())

	return &gatewayFixture{
		app: app, tokens: tokens, datasets: datasets, store: store,
		net: net, spawner: spawner, verifier: verifier, clock: clk,
	}
}

func (f *gatewayFixture) bearer(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := f.verifier.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body io.Reader, headers ...string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *gatewayFixture) uploadedDataset(t *testing.T, owner string) *model.Dataset {
	t.Helper()
	ctx := context.Background()
	ds, err := f.datasets.Create(ctx, owner)
	require.NoError(t, err)
	_, err = f.datasets.BeginUpload(ctx, ds.ID)
	require.NoError(t, err)
	ds, err = f.datasets.CompleteUpload(ctx, ds.ID)
	require.NoError(t, err)
	return ds
}

func TestHealthCheck(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	app := fiber.New()
	app.Get("/health", HealthCheck(db))

	t.Run("healthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(nil)

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(errors.New("db error"))

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "SERVICE_UNAVAILABLE", decode[errorPayload](t, resp).Error.Code)
	})

	t.Run("memory store", func(t *testing.T) {
		app := fiber.New()
		app.Get("/health", HealthCheck(nil))
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestLivenessProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessProbe())

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "probe"})
	reg.MustRegister(counter)
	counter.Inc()

	app := fiber.New()
	app.Get("/metrics", Metrics(reg))

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "probe_total 1")
}

func TestUploadToTransferred(t *testing.T) {
	f := newGatewayFixture(t)
	owner := f.bearer(t, "u1", "")

	resp := f.do(t, http.MethodPost, "/datasets", nil, fiber.HeaderAuthorization, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ds := decode[model.Dataset](t, resp)
	assert.Equal(t, model.StateDraft, ds.State)
	assert.Equal(t, "u1", ds.OwnerID)

	resp = f.do(t, http.MethodPost, "/datasets/"+ds.ID+"/upload-tokens", nil, fiber.HeaderAuthorization, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tok := decode[tokenResponse](t, resp)
	assert.Equal(t, model.TokenKindUpload, tok.Kind)
	assert.Equal(t, 1, tok.MaxUses)
	assert.Equal(t, "/uploads/"+tok.Token, tok.URL)

	key := storage.DatasetKey(ds.ID)
	f.store.On("Put", mock.Anything, key, mock.Anything, mock.MatchedBy(func(o storage.PutObjectOptions) bool { return o.Size == 5 })).
		Return(storage.ObjectInfo{Key: key, Size: 5}, nil).Once()
	f.net.On("SubmitTransfer", mock.Anything, mock.Anything).Return("sub-1", nil).Once()

	resp = f.do(t, http.MethodPut, tok.URL, strings.NewReader("hello"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, model.StateUploaded, decode[model.Dataset](t, resp).State)
	f.store.AssertExpectations(t)
	require.Equal(t, []error{nil}, f.spawner.errs)

	got, err := f.datasets.Get(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateTransferring, got.State)

	// upload tokens are single-use
	resp = f.do(t, http.MethodPut, tok.URL, strings.NewReader("again"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ACCESS_DENIED", decode[errorPayload](t, resp).Error.Code)

	callback := `{"submission_id":"sub-1","outcome":"succeeded"}`
	resp = f.do(t, http.MethodPost, "/transfers/callback", strings.NewReader(callback),
		fiber.HeaderContentType, fiber.MIMEApplicationJSON, webhookSecretHeader, testWebhookSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[callbackResponse](t, resp)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StateTransferred, res.DatasetState)

	resp = f.do(t, http.MethodPost, "/transfers/callback", strings.NewReader(callback),
		fiber.HeaderContentType, fiber.MIMEApplicationJSON, webhookSecretHeader, testWebhookSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[callbackResponse](t, resp).Applied)

	resp = f.do(t, http.MethodGet, "/notifications", nil, fiber.HeaderAuthorization, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[notificationList](t, resp)
	require.Len(t, list.Items, 4)
	assert.Equal(t, model.StateTransferred, list.Items[0].DatasetState)
	assert.Equal(t, model.StateUploading, list.Items[3].DatasetState)
}

func TestUpload_StorageFailureFailsDataset(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	ds, err := f.datasets.Create(ctx, "u1")
	require.NoError(t, err)
	tok, err := f.tokens.IssueUploadToken(ctx, ds.ID, time.Minute)
	require.NoError(t, err)

	key := storage.DatasetKey(ds.ID)
	f.store.On("Put", mock.Anything, key, mock.Anything, mock.Anything).Return(storage.ObjectInfo{}, errors.New("bucket gone")).Once()
	f.store.On("Delete", mock.Anything, key).Return(nil).Once()

	resp := f.do(t, http.MethodPut, "/uploads/"+tok.ID, strings.NewReader("data"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", decode[errorPayload](t, resp).Error.Code)
	f.store.AssertExpectations(t)
	assert.Empty(t, f.spawner.errs)

	got, err := f.datasets.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
}

func TestUpload_RejectsUnusableTokens(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	ds, err := f.datasets.Create(ctx, "u1")
	require.NoError(t, err)
	download, err := f.tokens.IssueDownloadToken(ctx, ds.ID, time.Minute)
	require.NoError(t, err)
	expired, err := f.tokens.IssueUploadToken(ctx, ds.ID, time.Minute)
	require.NoError(t, err)
	f.clock.Add(2 * time.Minute)

	for name, id := range map[string]string{
		"wrong kind": download.ID,
		"unknown":    "no-such-token",
		"expired":    expired.ID,
	} {
		t.Run(name, func(t *testing.T) {
			resp := f.do(t, http.MethodPut, "/uploads/"+id, strings.NewReader("x"))
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			body := decode[errorPayload](t, resp)
			assert.Equal(t, "ACCESS_DENIED", body.Error.Code)
			assert.Equal(t, "access denied", body.Error.Message)
		})
	}
	f.store.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDownload(t *testing.T) {
	f := newGatewayFixture(t)
	owner := f.bearer(t, "u1", "")
	ds := f.uploadedDataset(t, "u1")

	resp := f.do(t, http.MethodPost, "/datasets/"+ds.ID+"/download-tokens", nil, fiber.HeaderAuthorization, owner)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tok := decode[tokenResponse](t, resp)
	assert.Equal(t, 2, tok.MaxUses)

	key := storage.DatasetKey(ds.ID)
	for i := 0; i < 2; i++ {
		f.store.On("Get", mock.Anything, key).
			Return(io.NopCloser(strings.NewReader("payload")), storage.ObjectInfo{Key: key, Size: 7, ContentType: "text/plain"}, nil).Once()
	}

	for i := 0; i < 2; i++ {
		resp = f.do(t, http.MethodGet, tok.URL, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/plain", resp.Header.Get(fiber.HeaderContentType))
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "payload", string(body))
	}

	resp = f.do(t, http.MethodGet, tok.URL, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	f.store.AssertExpectations(t)
}

func TestDownload_MissingPayload(t *testing.T) {
	f := newGatewayFixture(t)
	ds := f.uploadedDataset(t, "u1")
	tok, err := f.tokens.IssueDownloadToken(context.Background(), ds.ID, time.Minute)
	require.NoError(t, err)

	f.store.On("Get", mock.Anything, storage.DatasetKey(ds.ID)).
		Return(nil, storage.ObjectInfo{}, apperror.NotFound("object", "k")).Once()

	resp := f.do(t, http.MethodGet, "/downloads/"+tok.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssueTokens_StateAndOwnership(t *testing.T) {
	f := newGatewayFixture(t)
	owner := f.bearer(t, "u1", "")
	auditor := f.bearer(t, "u2", "auditor")
	stranger := f.bearer(t, "u3", "")

	draft, err := f.datasets.Create(context.Background(), "u1")
	require.NoError(t, err)
	uploaded := f.uploadedDataset(t, "u1")

	resp := f.do(t, http.MethodPost, "/datasets/"+draft.ID+"/download-tokens", nil, fiber.HeaderAuthorization, owner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/datasets/"+uploaded.ID+"/upload-tokens", nil, fiber.HeaderAuthorization, owner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/datasets/"+draft.ID+"/upload-tokens", nil, fiber.HeaderAuthorization, auditor)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/datasets/"+uploaded.ID+"/download-tokens", nil, fiber.HeaderAuthorization, auditor)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/datasets/"+uploaded.ID, nil, fiber.HeaderAuthorization, stranger)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/datasets/"+uploaded.ID, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", decode[errorPayload](t, resp).Error.Code)
}

func TestValidateAndRevokeToken(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	ds, err := f.datasets.Create(ctx, "u1")
	require.NoError(t, err)
	tok, err := f.tokens.IssueUploadToken(ctx, ds.ID, time.Minute)
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/tokens/"+tok.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"valid": true}, decode[map[string]bool](t, resp))

	resp = f.do(t, http.MethodDelete, "/tokens/"+tok.ID, nil, fiber.HeaderAuthorization, f.bearer(t, "u2", ""))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/tokens/"+tok.ID, nil, fiber.HeaderAuthorization, f.bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/tokens/"+tok.ID, nil)
	assert.Equal(t, map[string]bool{"valid": false}, decode[map[string]bool](t, resp))

	resp = f.do(t, http.MethodDelete, "/tokens/unknown", nil, fiber.HeaderAuthorization, f.bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestNotifications_ScopesAndRead(t *testing.T) {
	f := newGatewayFixture(t)
	f.uploadedDataset(t, "u1")
	auditor := f.bearer(t, "u2", "auditor")

	resp := f.do(t, http.MethodGet, "/notifications?scope=role:auditor&status=unread", nil, fiber.HeaderAuthorization, auditor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[notificationList](t, resp)
	require.Len(t, list.Items, 2)

	resp = f.do(t, http.MethodGet, "/notifications?scope=user:u1", nil, fiber.HeaderAuthorization, auditor)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/notifications?scope=role:auditor&status=archived", nil, fiber.HeaderAuthorization, auditor)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", decode[errorPayload](t, resp).Error.Code)

	id := list.Items[0].ID
	resp = f.do(t, http.MethodPost, "/notifications/"+id+"/read?scope=role:auditor", nil, fiber.HeaderAuthorization, auditor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[model.Notification](t, resp)
	assert.Equal(t, model.NotificationRead, n.Status)
	require.NotNil(t, n.ReadAt)

	resp = f.do(t, http.MethodGet, "/notifications?scope=role:auditor&status=unread", nil, fiber.HeaderAuthorization, auditor)
	assert.Len(t, decode[notificationList](t, resp).Items, 1)

	// addressed to role:auditor, so the owner's own scope cannot find it
	resp = f.do(t, http.MethodPost, "/notifications/"+id+"/read", nil, fiber.HeaderAuthorization, f.bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransferCallback_Rejections(t *testing.T) {
	f := newGatewayFixture(t)
	ds := f.uploadedDataset(t, "u1")
	f.net.On("SubmitTransfer", mock.Anything, mock.Anything).Return("sub-9", nil).Once()
	_, err := service.NewTransferOrchestrator(f.datasets, f.net, f.clock, zap.NewNop(), nil, service.TransferOptions{}).
		Start(context.Background(), ds.ID, "src", "dst")
	require.NoError(t, err)

	post := func(body string, secret string) *http.Response {
		return f.do(t, http.MethodPost, "/transfers/callback", bytes.NewBufferString(body),
			fiber.HeaderContentType, fiber.MIMEApplicationJSON, webhookSecretHeader, secret)
	}

	assert.Equal(t, http.StatusForbidden, post(`{"submission_id":"sub-9","outcome":"succeeded"}`, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, post(`{"submission_id":"sub-9","outcome":"succeeded"}`, "guess").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"outcome":"succeeded"}`, testWebhookSecret).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"submission_id":"sub-9","outcome":"maybe"}`, testWebhookSecret).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(`{"submission_id":"sub-0","outcome":"failed"}`, testWebhookSecret).StatusCode)

	resp := post(`{"submission_id":"sub-9","outcome":"failed"}`, testWebhookSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StateFailed, decode[callbackResponse](t, resp).DatasetState)
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperror.InvalidToken("t", "revoked"), http.StatusForbidden, "ACCESS_DENIED"},
		{apperror.NotFound("dataset", "d"), http.StatusNotFound, "NOT_FOUND"},
		{apperror.InvalidArgument("ttl must be positive"), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{apperror.InvalidTransition("d", "draft", "uploaded"), http.StatusConflict, "INVALID_TRANSITION"},
		{apperror.TransferInProgress("d", "j"), http.StatusConflict, "TRANSFER_IN_PROGRESS"},
		{apperror.TransferFailure("d", errors.New("503")), http.StatusBadGateway, "TRANSFER_FAILED"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error { return respondError(c, zap.NewNop(), tc.err) })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decode[errorPayload](t, resp)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotContains(t, body.Error.Message, "revoked")
		})
	}
}

func TestRouting(t *testing.T) {
	f := newGatewayFixture(t)

	t.Run("not found route", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/non-existent", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decode[errorPayload](t, resp)
		assert.Equal(t, "NOT_FOUND", body.Error.Code)
		assert.NotEmpty(t, body.RequestID)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/health", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "METHOD_NOT_ALLOWED", decode[errorPayload](t, resp).Error.Code)
	})
}
