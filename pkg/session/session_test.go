package session_test

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/ridelink/sensor-hub/mocks"
	"github.com/ridelink/sensor-hub/pkg/session"
)

const serviceURL = "https://sessions.example.com"

var _ = Describe("Session", func() {
	var (
		ctx  context.Context
		ctrl *gomock.Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		ctrl = gomock.NewController(GinkgoT())
	})

	Describe("Static", func() {
		It("returns its id", func() {
			id, err := session.Static("ride-1").ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ride-1"))
		})

		It("has no session when empty", func() {
			_, err := session.Static("").ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
		})
	})

	Describe("AdHoc", func() {
		It("generates one stable uuid", func() {
			p := session.NewAdHoc()
			first, err := p.ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			second, _ := p.ActiveSessionID(ctx)
			Expect(second).To(Equal(first))
			_, err = uuid.Parse(first)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("Chain", func() {
		It("falls through providers without a session", func() {
			first := mocks.NewSessionProvider(ctrl)
			first.EXPECT().ActiveSessionID(gomock.Any()).Return("", session.ErrNoActiveSession)
			id, err := session.Chain(first, nil, session.Static("fallback")).ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("fallback"))
		})

		It("skips providers that fail", func() {
			first := mocks.NewSessionProvider(ctrl)
			first.EXPECT().ActiveSessionID(gomock.Any()).Return("", errors.New("503 Service Unavailable"))
			id, err := session.Chain(first, session.Static("fallback")).ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("fallback"))
		})

		It("reports the first failure when no provider has a session", func() {
			failure := errors.New("connection refused")
			first := mocks.NewSessionProvider(ctrl)
			first.EXPECT().ActiveSessionID(gomock.Any()).Return("", failure)
			second := mocks.NewSessionProvider(ctrl)
			second.EXPECT().ActiveSessionID(gomock.Any()).Return("", session.ErrNoActiveSession)
			_, err := session.Chain(first, second).ActiveSessionID(ctx)
			Expect(err).To(MatchError(failure))
		})

		It("reports no session when every provider is empty", func() {
			_, err := session.Chain(session.Static("")).ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
		})
	})

	Describe("Cached", func() {
		It("reuses answers within the ttl", func() {
			p := mocks.NewSessionProvider(ctrl)
			p.EXPECT().ActiveSessionID(gomock.Any()).Return("ride-7", nil).Times(1)
			cached := session.NewCached(p, time.Hour)
			for i := 0; i < 3; i++ {
				id, err := cached.ActiveSessionID(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(id).To(Equal("ride-7"))
			}
		})

		It("caches the absence of a session", func() {
			p := mocks.NewSessionProvider(ctrl)
			p.EXPECT().ActiveSessionID(gomock.Any()).Return("", session.ErrNoActiveSession).Times(1)
			cached := session.NewCached(p, time.Hour)
			_, err := cached.ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
			_, err = cached.ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
		})

		It("does not cache failures", func() {
			p := mocks.NewSessionProvider(ctrl)
			gomock.InOrder(
				p.EXPECT().ActiveSessionID(gomock.Any()).Return("", errors.New("unreachable")),
				p.EXPECT().ActiveSessionID(gomock.Any()).Return("ride-8", nil),
			)
			cached := session.NewCached(p, time.Hour)
			_, err := cached.ActiveSessionID(ctx)
			Expect(err).To(HaveOccurred())
			id, err := cached.ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ride-8"))
		})

		It("asks again after invalidation", func() {
			p := mocks.NewSessionProvider(ctrl)
			p.EXPECT().ActiveSessionID(gomock.Any()).Return("ride-9", nil).Times(2)
			cached := session.NewCached(p, time.Hour)
			cached.ActiveSessionID(ctx)
			cached.Invalidate()
			cached.ActiveSessionID(ctx)
		})
	})

	Describe("HTTPProvider", func() {
		var provider *session.HTTPProvider

		BeforeEach(func() {
			httpmock.Activate()
			provider = session.NewHTTPProvider(serviceURL + "/")
		})

		AfterEach(func() {
			httpmock.DeactivateAndReset()
		})

		It("returns the active session id", func() {
			httpmock.RegisterResponder(http.MethodGet, serviceURL+"/api/1/sessions/active", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Accept")).To(Equal("application/json"))
				return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
					"sessionId": "ride-42",
				})
			})
			id, err := provider.ActiveSessionID(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ride-42"))
		})

		It("maps 404 to no active session", func() {
			httpmock.RegisterResponder(http.MethodGet, serviceURL+"/api/1/sessions/active",
				httpmock.NewStringResponder(http.StatusNotFound, ""))
			_, err := provider.ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
		})

		It("honours an inactive flag", func() {
			httpmock.RegisterResponder(http.MethodGet, serviceURL+"/api/1/sessions/active", func(r *http.Request) (*http.Response, error) {
				return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
					"sessionId": "ride-41",
					"active":    false,
				})
			})
			_, err := provider.ActiveSessionID(ctx)
			Expect(err).To(MatchError(session.ErrNoActiveSession))
		})

		It("surfaces server errors", func() {
			httpmock.RegisterResponder(http.MethodGet, serviceURL+"/api/1/sessions/active",
				httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))
			_, err := provider.ActiveSessionID(ctx)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, session.ErrNoActiveSession)).To(BeFalse())
		})

		It("rejects malformed bodies", func() {
			httpmock.RegisterResponder(http.MethodGet, serviceURL+"/api/1/sessions/active",
				httpmock.NewStringResponder(http.StatusOK, "{not json"))
			_, err := provider.ActiveSessionID(ctx)
			Expect(err).To(MatchError(ContainSubstring("malformed")))
		})
	})
})
