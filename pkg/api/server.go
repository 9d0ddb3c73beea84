package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/repo"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/service"
	"github.com/gorilla/mux"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Provisioner is the orchestrator surface the HTTP layer drives.
type Provisioner interface {
	Provision(ctx context.Context, req service.ProvisionRequest) (*service.Result, error)
	Reconcile(ctx context.Context, username string, platforms []model.DesiredPlatformConfig) (*service.Result, error)
	Update(ctx context.Context, username string, patch service.UserPatch, platforms []model.DesiredPlatformConfig) (*service.Result, error)
	Deprovision(ctx context.Context, username string) ([]service.Warning, error)
	Get(ctx context.Context, username string) (*model.User, error)
}

// PlatformLister reports which platforms have a configured adapter.
type PlatformLister interface {
	Platforms() []model.Platform
}

type server struct {
	svc       Provisioner
	platforms PlatformLister
}

// NewHandler builds the HTTP API with request logging.
func NewHandler(svc Provisioner, platforms PlatformLister, log *logrus.Logger) http.Handler {
	s := &server{svc: svc, platforms: platforms}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/platforms", s.platformsHandler).Methods(http.MethodGet)
	r.HandleFunc("/users", s.provisionHandler).Methods(http.MethodPost)
	r.HandleFunc("/users/{username}", s.getUserHandler).Methods(http.MethodGet)
	r.HandleFunc("/users/{username}", s.updateUserHandler).Methods(http.MethodPatch)
	r.HandleFunc("/users/{username}", s.deprovisionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/users/{username}/platforms", s.reconcileHandler).Methods(http.MethodPut)

	return &logHandler{log: log, next: r}
}

// userRequest is the body of POST /users and PATCH /users/{username}. On
// PATCH, username renames the user and an absent platforms keeps the current
// bindings, while [] removes all of them.
type userRequest struct {
	Username  string                        `json:"username"`
	Email     string                        `json:"email"`
	Password  string                        `json:"password"`
	Platforms []model.DesiredPlatformConfig `json:"platforms"`
}

type reconcileRequest struct {
	Platforms []model.DesiredPlatformConfig `json:"platforms"`
}

type failureView struct {
	Platform model.Platform    `json:"platform,omitempty"`
	Op       service.Op        `json:"operation"`
	Class    string            `json:"class"`
	Message  string            `json:"message"`
	Warnings []service.Warning `json:"warnings,omitempty"`
}

type resultView struct {
	User     *model.User       `json:"user"`
	Warnings []service.Warning `json:"warnings"`
	Failures []failureView     `json:"failures,omitempty"`
}

type errorView struct {
	Error   string       `json:"error"`
	Field   string       `json:"field,omitempty"`
	Failure *failureView `json:"failure,omitempty"`
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) platformsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]model.Platform{"platforms": s.platforms.Platforms()})
}

func (s *server) provisionHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var req userRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderError(log, w, err)
		return
	}
	log = log.WithField("username", req.Username)

	res, err := s.svc.Provision(r.Context(), service.ProvisionRequest{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		Platforms: req.Platforms,
	})
	if err != nil {
		renderError(log, w, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	renderResult(w, code, res)
}

func (s *server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	user, err := s.svc.Get(r.Context(), username)
	if err != nil {
		renderError(requestLog(r).WithField("username", username), w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	log := requestLog(r).WithField("username", username)
	var req userRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderError(log, w, err)
		return
	}

	patch := service.UserPatch{NewUsername: req.Username, Email: req.Email, Password: req.Password}
	res, err := s.svc.Update(r.Context(), username, patch, req.Platforms)
	if err != nil {
		renderError(log, w, err)
		return
	}
	renderResult(w, http.StatusOK, res)
}

func (s *server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	log := requestLog(r).WithField("username", username)
	var req reconcileRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderError(log, w, err)
		return
	}
	if req.Platforms == nil {
		renderError(log, w, &service.ValidationError{Field: "platforms", Err: errors.New("required")})
		return
	}

	res, err := s.svc.Reconcile(r.Context(), username, req.Platforms)
	if err != nil {
		renderError(log, w, err)
		return
	}
	renderResult(w, http.StatusOK, res)
}

func (s *server) deprovisionHandler(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	warnings, err := s.svc.Deprovision(r.Context(), username)
	if err != nil {
		renderError(requestLog(r).WithField("username", username), w, err)
		return
	}
	if warnings == nil {
		warnings = []service.Warning{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"warnings": warnings})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &service.ValidationError{Field: "body", Err: pkgerrors.Wrap(err, "invalid request body")}
	}
	return nil
}

// renderResult answers 207 when some platforms failed on the update path.
func renderResult(w http.ResponseWriter, code int, res *service.Result) {
	view := resultView{User: res.User, Warnings: res.Warnings}
	if view.Warnings == nil {
		view.Warnings = []service.Warning{}
	}
	for _, f := range res.Failures {
		view.Failures = append(view.Failures, newFailureView(f))
	}
	if len(view.Failures) > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, view)
}

func newFailureView(f *service.Failure) failureView {
	return failureView{
		Platform: f.Platform,
		Op:       f.Op,
		Class:    f.Class.String(),
		Message:  f.Err.Error(),
		Warnings: f.Warnings,
	}
}

func renderError(log logrus.FieldLogger, w http.ResponseWriter, err error) {
	code := statusOf(err)
	view := errorView{Error: err.Error()}

	var verr *service.ValidationError
	if errors.As(err, &verr) {
		view.Field = verr.Field
	}
	var fail *service.Failure
	if errors.As(err, &fail) {
		fv := newFailureView(fail)
		view.Failure = &fv
	}

	if code >= http.StatusInternalServerError {
		log.WithField("error", err).Error("request error")
	} else {
		log.WithField("error", err).Warn("request rejected")
	}
	writeJSON(w, code, view)
}

func statusOf(err error) int {
	var verr *service.ValidationError
	var fail *service.Failure
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &fail):
		if fail.Transient() {
			return http.StatusServiceUnavailable
		}
		if fail.Op == service.OpSave {
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
