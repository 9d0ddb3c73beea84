package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/service"
	"github.com/sirupsen/logrus"
)

type stubProvisioner struct {
	provisionReq service.ProvisionRequest
	username     string
	patch        service.UserPatch
	platforms    []model.DesiredPlatformConfig
	platformsNil bool

	result   *service.Result
	warnings []service.Warning
	user     *model.User
	err      error
}

func (s *stubProvisioner) Provision(_ context.Context, req service.ProvisionRequest) (*service.Result, error) {
	s.provisionReq = req
	return s.result, s.err
}

func (s *stubProvisioner) Reconcile(_ context.Context, username string, platforms []model.DesiredPlatformConfig) (*service.Result, error) {
	s.username, s.platforms = username, platforms
	return s.result, s.err
}

func (s *stubProvisioner) Update(_ context.Context, username string, patch service.UserPatch, platforms []model.DesiredPlatformConfig) (*service.Result, error) {
	s.username, s.patch, s.platforms, s.platformsNil = username, patch, platforms, platforms == nil
	return s.result, s.err
}

func (s *stubProvisioner) Deprovision(_ context.Context, username string) ([]service.Warning, error) {
	s.username = username
	return s.warnings, s.err
}

func (s *stubProvisioner) Get(_ context.Context, username string) (*model.User, error) {
	s.username = username
	return s.user, s.err
}

type staticPlatforms []model.Platform

func (p staticPlatforms) Platforms() []model.Platform { return p }

func newTestServer(svc Provisioner) *httptest.Server {
	log := logrus.New()
	log.Out = io.Discard
	return httptest.NewServer(NewHandler(svc, staticPlatforms{model.SourceControl, model.TeamChat}, log))
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp, out
}

func aliceUser() *model.User {
	return &model.User{
		UserID:   "u-1",
		Username: "alice",
		Email:    "alice@example.com",
		Bindings: []model.PlatformBinding{{
			Platform:   model.SourceControl,
			NativeID:   "42",
			Attributes: model.SourceControlAttrs{Role: "Developer", GroupID: 10},
		}},
	}
}

func TestProvisionCreated(t *testing.T) {
	svc := &stubProvisioner{result: &service.Result{User: aliceUser(), Created: true}}
	srv := newTestServer(svc)
	defer srv.Close()

	body := `{"username":"alice","email":"alice@example.com","password":"pw",
		"platforms":[{"platform":"gitlab","role":"Developer","group_id":10},{"platform":"team-chat","team":"eng"}]}`
	resp, out := do(t, srv, http.MethodPost, "/users", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}

	req := svc.provisionReq
	if req.Username != "alice" || req.Password != "pw" || len(req.Platforms) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Platforms[0].Platform() != model.SourceControl || req.Platforms[1].Platform() != model.TeamChat {
		t.Errorf("platform aliases not resolved: %v %v", req.Platforms[0].Platform(), req.Platforms[1].Platform())
	}

	user := out["user"].(map[string]interface{})
	if _, ok := user["PasswordHash"]; ok {
		t.Error("password hash leaked")
	}
	bindings := user["platforms"].([]interface{})
	attrs := bindings[0].(map[string]interface{})["attributes"].(map[string]interface{})
	if attrs["platform"] != "source-control" || attrs["group_id"] != float64(10) {
		t.Errorf("unexpected attributes %v", attrs)
	}
}

func TestProvisionExistingUserIsOK(t *testing.T) {
	svc := &stubProvisioner{result: &service.Result{User: aliceUser()}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodPost, "/users", `{"username":"alice","platforms":[]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestProvisionRejectsBadBody(t *testing.T) {
	svc := &stubProvisioner{}
	srv := newTestServer(svc)
	defer srv.Close()

	for _, body := range []string{
		`{"username":`,
		`{"username":"alice","platforms":[{"platform":"ftp"}]}`,
		`{"username":"alice","platforms":[{"platform":"gitlab","team":"eng"}]}`,
	} {
		resp, out := do(t, srv, http.MethodPost, "/users", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d", body, resp.StatusCode)
		}
		if out["field"] != "body" {
			t.Errorf("%s: field %v", body, out["field"])
		}
	}
	if svc.provisionReq.Username != "" {
		t.Error("orchestrator called with an invalid body")
	}
}

func TestUpdateDistinguishesMissingPlatforms(t *testing.T) {
	svc := &stubProvisioner{result: &service.Result{User: aliceUser()}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, _ := do(t, srv, http.MethodPatch, "/users/alice", `{"username":"alice2","email":"a2@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if svc.username != "alice" || svc.patch.NewUsername != "alice2" || !svc.platformsNil {
		t.Errorf("unexpected call: %s %+v nil=%v", svc.username, svc.patch, svc.platformsNil)
	}

	do(t, srv, http.MethodPatch, "/users/alice", `{"platforms":[]}`)
	if svc.platformsNil {
		t.Error("empty platform list passed as nil")
	}
}

func TestReconcilePartialFailure(t *testing.T) {
	svc := &stubProvisioner{result: &service.Result{
		User: aliceUser(),
		Warnings: []service.Warning{{
			Platform: model.TeamChat, Op: service.OpRevokeAccess, Class: "transient", Message: "timeout",
		}},
		Failures: []*service.Failure{{
			Platform: model.FileSync, Op: service.OpApplyAccess, Class: platform.Permanent, Err: errors.New("quota rejected"),
		}},
	}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, out := do(t, srv, http.MethodPut, "/users/alice/platforms", `{"platforms":[{"platform":"nextcloud","group_id":"staff"}]}`)
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status %d", resp.StatusCode)
	}
	failures := out["failures"].([]interface{})
	f := failures[0].(map[string]interface{})
	if f["platform"] != "file-sync" || f["operation"] != "apply_access" || f["class"] != "permanent" || f["message"] != "quota rejected" {
		t.Errorf("unexpected failure %v", f)
	}
	if len(out["warnings"].([]interface{})) != 1 {
		t.Errorf("warnings %v", out["warnings"])
	}
	if len(svc.platforms) != 1 || svc.platforms[0].Platform() != model.FileSync {
		t.Errorf("platforms %v", svc.platforms)
	}
}

func TestReconcileRequiresPlatforms(t *testing.T) {
	svc := &stubProvisioner{}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, out := do(t, srv, http.MethodPut, "/users/alice/platforms", `{}`)
	if resp.StatusCode != http.StatusBadRequest || out["field"] != "platforms" {
		t.Fatalf("status %d %v", resp.StatusCode, out)
	}
	if svc.username != "" {
		t.Error("orchestrator called without platforms")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &service.ValidationError{Field: "platforms[0]", Err: platform.ErrUnknownPlatform}, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: bob", repo.ErrNotFound), http.StatusNotFound},
		{"duplicate", fmt.Errorf("%w: email", repo.ErrDuplicate), http.StatusConflict},
		{"duplicate on save", &service.Failure{Op: service.OpSave, Class: platform.Permanent, Err: repo.ErrDuplicate}, http.StatusConflict},
		{"permanent remote", &service.Failure{Platform: model.TeamChat, Op: service.OpCreateAccount, Class: platform.Permanent, Err: errors.New("400")}, http.StatusBadGateway},
		{"transient remote", &service.Failure{Platform: model.TeamChat, Op: service.OpCreateAccount, Class: platform.Transient, Err: errors.New("503")}, http.StatusServiceUnavailable},
		{"canceled", &service.Failure{Platform: model.TeamChat, Op: service.OpFindIdentity, Class: platform.Permanent, Err: context.Canceled}, http.StatusServiceUnavailable},
		{"save failed", &service.Failure{Op: service.OpSave, Class: platform.Permanent, Err: errors.New("db down")}, http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusOf(tt.err); got != tt.want {
				t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestCreateFailureBody(t *testing.T) {
	svc := &stubProvisioner{err: &service.Failure{
		Platform: model.TeamChat,
		Op:       service.OpApplyAccess,
		Class:    platform.Permanent,
		Err:      errors.New("team not found"),
		Warnings: []service.Warning{{Platform: model.SourceControl, Op: service.OpDeleteAccount, Class: "transient", Message: "timeout"}},
	}}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, out := do(t, srv, http.MethodPost, "/users", `{"username":"alice","email":"a@example.com","password":"pw"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d", resp.StatusCode)
	}
	f := out["failure"].(map[string]interface{})
	if f["platform"] != "team-chat" || f["operation"] != "apply_access" || len(f["warnings"].([]interface{})) != 1 {
		t.Errorf("unexpected failure body %v", f)
	}
}

func TestGetDeleteAndPlatforms(t *testing.T) {
	svc := &stubProvisioner{user: aliceUser()}
	srv := newTestServer(svc)
	defer srv.Close()

	resp, out := do(t, srv, http.MethodGet, "/users/alice", "")
	if resp.StatusCode != http.StatusOK || out["username"] != "alice" {
		t.Fatalf("get: %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, srv, http.MethodDelete, "/users/alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if w, ok := out["warnings"].([]interface{}); !ok || len(w) != 0 {
		t.Errorf("warnings %v", out["warnings"])
	}

	resp, out = do(t, srv, http.MethodGet, "/platforms", "")
	if resp.StatusCode != http.StatusOK || len(out["platforms"].([]interface{})) != 2 {
		t.Fatalf("platforms: %d %v", resp.StatusCode, out)
	}

	svc.err = fmt.Errorf("%w: bob", repo.ErrNotFound)
	resp, _ = do(t, srv, http.MethodGet, "/users/bob", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing user: %d", resp.StatusCode)
	}
}
