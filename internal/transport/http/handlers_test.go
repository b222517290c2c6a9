package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/Callkit/internal/domain"
	"github.com/gin-gonic/gin"
	"go.viam.com/test"
)

type fakeDirectory struct {
	list []domain.Profile
	err  error
}

func (d *fakeDirectory) Profile(context.Context, domain.ParticipantID) (*domain.Profile, error) {
	return nil, errors.New("unused")
}

func (d *fakeDirectory) List(context.Context) ([]domain.Profile, error) {
	return d.list, d.err
}

func serve(h *Handlers, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r.Group("/api"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestProfilesMarkOnline(t *testing.T) {
	h := &Handlers{
		Profiles: &fakeDirectory{list: []domain.Profile{
			{ID: "alice", DisplayName: "Alice", AcceptsCalls: true},
			{ID: "bob", DisplayName: "Bob"},
		}},
		Online: func() []domain.ParticipantID { return []domain.ParticipantID{"bob"} },
	}
	w := serve(h, "/api/profiles")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)

	var got []ProfileResponse
	test.That(t, json.Unmarshal(w.Body.Bytes(), &got), test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 2)
	test.That(t, got[0].Online, test.ShouldBeFalse)
	test.That(t, got[1].Online, test.ShouldBeTrue)
	test.That(t, got[1].DisplayName, test.ShouldEqual, "Bob")
}

func TestProfilesDirectoryError(t *testing.T) {
	w := serve(&Handlers{Profiles: &fakeDirectory{err: errors.New("down")}}, "/api/profiles")
	test.That(t, w.Code, test.ShouldEqual, http.StatusInternalServerError)
}

func TestHealthz(t *testing.T) {
	w := serve(&Handlers{}, "/api/healthz")
	test.That(t, w.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, w.Body.String(), test.ShouldContainSubstring, `"ok"`)
}
