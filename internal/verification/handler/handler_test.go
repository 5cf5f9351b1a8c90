package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"idlink/internal/dispatch"
	"idlink/internal/platform/logger"
	"idlink/internal/verification/handler/mocks"
	"idlink/internal/verification/models"
	"idlink/internal/verification/service"
	id "idlink/pkg/domain"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/platform/middleware/admin"
	"idlink/pkg/testutil"
)

// =============================================================================
// Verification Handler Test Suite
// =============================================================================
// Justification for unit tests: request parsing, the 200/204 contract and
// dispatcher back-pressure are transport concerns the service suites never see.

const adminToken = "s3cret"

type HandlerSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	svc        *mocks.MockService
	dispatcher *dispatch.Dispatcher
	router     chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	if s.dispatcher != nil {
		_ = s.dispatcher.Stop(context.Background())
	}
	s.ctrl = gomock.NewController(s.T())
	s.svc = mocks.NewMockService(s.ctrl)
	s.dispatcher = dispatch.New(2, 4, dispatch.WithLogger(logger.Discard()))
	s.dispatcher.Start()

	h := New(s.svc, s.dispatcher, logger.Discard())
	s.router = chi.NewRouter()
	h.Register(s.router)
	s.router.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(adminToken, logger.Discard()))
		h.RegisterAdmin(r)
	})
}

func (s *HandlerSuite) TearDownTest() {
	_ = s.dispatcher.Stop(context.Background())
	s.dispatcher = nil
}

func (s *HandlerSuite) TestBegin() {
	s.Run("reply is returned with 200 and no reason", func() {
		s.SetupTest()
		s.svc.EXPECT().Begin(gomock.Any(), service.BeginRequest{
			ChatID:       "u1",
			Alias:        " Alice ",
			Group:        "guild-1",
			RequesterTag: "alice#0001",
		}).Return(models.CheckEmail("uwaterloo.ca", models.ReasonAliasTaken))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verifications/begin", map[string]string{
			"chat_id":       "u1",
			"alias":         " Alice ",
			"group":         "guild-1",
			"requester_tag": "alice#0001",
		}))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
		s.Equal("check_email", (*body)["outcome"])
		s.Contains((*body)["message"], "@uwaterloo.ca")
		s.NotContains(*body, "reason")
	})

	s.Run("malformed alias reaches the state machine", func() {
		s.SetupTest()
		s.svc.EXPECT().Begin(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req service.BeginRequest) models.Reply {
				s.Equal("not an alias!", req.Alias)
				return models.CheckEmail("uwaterloo.ca", models.ReasonAliasNotFound)
			})

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verifications/begin", map[string]string{
			"chat_id": "u1",
			"alias":   "not an alias!",
		}))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
	})

	s.Run("invalid chat id is rejected before dispatch", func() {
		s.SetupTest()
		s.svc.EXPECT().Begin(gomock.Any(), gomock.Any()).Times(0)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verifications/begin", map[string]string{
			"chat_id": "bad id",
			"alias":   "alice",
		}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})

	s.Run("malformed json is a bad request", func() {
		s.SetupTest()
		req := testutil.NewRequest(s.T(), http.MethodPost, "/v1/verifications/begin")
		req.Body = http.NoBody
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})
}

func (s *HandlerSuite) TestConfirm() {
	s.Run("code is trimmed and reply returned", func() {
		s.SetupTest()
		s.svc.EXPECT().Confirm(gomock.Any(), service.ConfirmRequest{ChatID: "u1", Code: "042917", Group: "guild-1"}).
			Return(models.Verified())

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verifications/confirm", map[string]string{
			"chat_id": "u1",
			"code":    " 042917 ",
			"group":   "guild-1",
		}))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "outcome", "verified")
	})

	s.Run("invalid code is still a 200", func() {
		s.SetupTest()
		s.svc.EXPECT().Confirm(gomock.Any(), gomock.Any()).Return(models.InvalidCode(models.ReasonCodeMismatch))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/verifications/confirm", map[string]string{
			"chat_id": "u1",
			"code":    "12",
		}))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		testutil.AssertJSONContains(s.T(), rr, "outcome", "invalid_code")
	})
}

func (s *HandlerSuite) TestMemberJoined() {
	s.Run("204 whether or not the member was verified", func() {
		s.SetupTest()
		s.svc.EXPECT().Rejoin(gomock.Any(), id.Group("guild-1"), id.ChatID("u1")).Return(false, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/members/joined", map[string]string{
			"chat_id": "u1",
			"group":   "guild-1",
		}))
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})

	s.Run("group is required", func() {
		s.SetupTest()
		s.svc.EXPECT().Rejoin(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/members/joined", map[string]string{
			"chat_id": "u1",
		}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})

	s.Run("grant failure surfaces as 502", func() {
		s.SetupTest()
		s.svc.EXPECT().Rejoin(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(false, dErrors.Wrap(errors.New("broker down"), dErrors.CodeTransport, "grant access"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/members/joined", map[string]string{
			"chat_id": "u1",
			"group":   "guild-1",
		}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadGateway, string(dErrors.CodeTransport))
	})
}

func (s *HandlerSuite) TestAdmin() {
	confirmedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	mapping := &models.ConfirmedMapping{ChatID: "u1", CanonicalAlias: "alice2", ConfirmedAt: confirmedAt}

	s.Run("token is required", func() {
		s.SetupTest()
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/admin/mappings/chat/u1"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("whois by chat id", func() {
		s.SetupTest()
		s.svc.EXPECT().Whois(gomock.Any(), service.Subject{ChatID: "u1"}, "mod-7").Return(mapping, nil)

		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodGet, "/v1/admin/mappings/chat/u1"), adminToken)
		req.Header.Set(HeaderAdminActor, "mod-7")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		got := testutil.UnmarshalResponse[models.ConfirmedMapping](s.T(), rr)
		s.Equal(*mapping, *got)
	})

	s.Run("whois by alias passes the raw alias", func() {
		s.SetupTest()
		s.svc.EXPECT().Whois(gomock.Any(), service.Subject{Alias: "Alice"}, "admin").Return(mapping, nil)

		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodGet, "/v1/admin/mappings/alias/Alice"), adminToken)
		testutil.AssertStatus(s.T(), testutil.DoRequest(s.router, req), http.StatusOK)
	})

	s.Run("not verified is a 404", func() {
		s.SetupTest()
		s.svc.EXPECT().Whois(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeNotFound, models.MsgNotVerified))

		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodGet, "/v1/admin/mappings/chat/u9"), adminToken)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
		testutil.AssertJSONContains(s.T(), rr, "error_description", models.MsgNotVerified)
	})

	s.Run("unverify by chat id returns the removal", func() {
		s.SetupTest()
		s.svc.EXPECT().Unverify(gomock.Any(), service.Subject{ChatID: "u1"}, "admin").
			Return(&models.Removal{Mapping: *mapping, Message: "User alice2 has been unverified.", Revoked: 2}, nil)

		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodDelete, "/v1/admin/mappings/chat/u1"), adminToken)
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		got := testutil.UnmarshalResponse[models.Removal](s.T(), rr)
		s.Equal(2, got.Revoked)
		s.Equal(id.Alias("alice2"), got.Mapping.CanonicalAlias)
	})

	s.Run("unverify by alias", func() {
		s.SetupTest()
		s.svc.EXPECT().Unverify(gomock.Any(), service.Subject{Alias: "alice2"}, "admin").
			Return(&models.Removal{Mapping: *mapping}, nil)

		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodDelete, "/v1/admin/mappings/alias/alice2"), adminToken)
		testutil.AssertStatus(s.T(), testutil.DoRequest(s.router, req), http.StatusOK)
	})

	s.Run("malformed chat id is a 400", func() {
		s.SetupTest()
		req := testutil.WithAdminToken(testutil.NewRequest(s.T(), http.MethodDelete, "/v1/admin/mappings/chat/bad%20id"), adminToken)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})
}

func TestBusyDispatcherAnswers503(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockService(ctrl)
	// Never started, so the single slot fills up and stays full.
	d := dispatch.New(1, 1, dispatch.WithLogger(logger.Discard()))
	require.NoError(t, d.Submit(context.Background(), func(context.Context) {}))

	r := chi.NewRouter()
	New(svc, d, logger.Discard()).Register(r)

	rr := testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, "/v1/verifications/begin", map[string]string{
		"chat_id": "u1",
		"alias":   "alice",
	}))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	testutil.AssertErrorCode(t, rr, string(dErrors.CodeUnavailable))
}
