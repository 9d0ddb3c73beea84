package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
)

func ocsReply(w http.ResponseWriter, code int, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ocs": map[string]any{
			"meta": map[string]any{"status": "ok", "statuscode": code, "message": ""},
			"data": data,
		},
	})
}

type nextcloudFake struct {
	mu      sync.Mutex
	users   map[string]bool
	groups  map[string]bool
	quota   string
	perms   map[string]string // share id -> permissions
	visible int               // GETs before a new user is visible
}

func newNextcloudServer(t *testing.T, fake *nextcloudFake) (*Nextcloud, *callLog) {
	t.Helper()
	calls := &callLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ocsUsersPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if !fake.users[r.PathValue("id")] || fake.visible > 0 {
			if fake.visible > 0 {
				fake.visible--
			}
			ocsReply(w, 998, nil)
			return
		}
		ocsReply(w, 100, map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST "+ocsUsersPath, func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		id := r.FormValue("userid")
		if fake.users[id] {
			ocsReply(w, 102, nil)
			return
		}
		fake.users[id] = true
		ocsReply(w, 100, nil)
	})
	mux.HandleFunc("DELETE "+ocsUsersPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		delete(fake.users, r.PathValue("id"))
		ocsReply(w, 100, nil)
	})
	mux.HandleFunc("PUT "+ocsUsersPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if r.FormValue("key") == "quota" {
			fake.quota = r.FormValue("value")
		}
		ocsReply(w, 100, nil)
	})
	mux.HandleFunc("POST "+ocsGroupsPath, func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if fake.groups[r.FormValue("groupid")] {
			ocsReply(w, 102, nil)
			return
		}
		fake.groups[r.FormValue("groupid")] = true
		ocsReply(w, 100, nil)
	})
	mux.HandleFunc("POST "+ocsUsersPath+"/{id}/groups", func(w http.ResponseWriter, r *http.Request) {
		ocsReply(w, 100, nil)
	})
	mux.HandleFunc("DELETE "+ocsUsersPath+"/{id}/groups", func(w http.ResponseWriter, r *http.Request) {
		ocsReply(w, 102, nil)
	})
	mux.HandleFunc("POST "+ocsSharesPath, func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		fake.perms["42"] = r.FormValue("permissions")
		ocsReply(w, 200, map[string]any{"id": 42})
	})
	mux.HandleFunc("PUT "+ocsSharesPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		fake.perms[r.PathValue("id")] = r.FormValue("permissions")
		ocsReply(w, 200, nil)
	})
	mux.HandleFunc("DELETE "+ocsSharesPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" || r.Header.Get("OCS-APIRequest") != "true" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls.add(r)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	n := NewNextcloud(Options{BaseURL: srv.URL}, "admin", "pw", testLogger()).WithReadyPolling(5, time.Millisecond)
	return n, calls
}

func newNextcloudFake() *nextcloudFake {
	return &nextcloudFake{users: map[string]bool{}, groups: map[string]bool{}, perms: map[string]string{}}
}

func TestNextcloudCreateWaitsUntilReady(t *testing.T) {
	fake := newNextcloudFake()
	fake.visible = 2
	n, _ := newNextcloudServer(t, fake)

	id, err := n.CreateAccount(context.Background(), platform.Credentials{
		Identity: platform.Identity{Username: "alice", Email: "alice@example.com"}, Password: "pw",
	}, nil)
	if err != nil || id != "alice" {
		t.Fatalf("CreateAccount = %q, %v", id, err)
	}

	_, err = n.CreateAccount(context.Background(), platform.Credentials{Identity: platform.Identity{Username: "alice"}}, nil)
	if !errors.Is(err, platform.ErrConflict) {
		t.Fatalf("second create: expected ErrConflict, got %v", err)
	}
}

func TestNextcloudFindIdentity(t *testing.T) {
	fake := newNextcloudFake()
	fake.users["alice"] = true
	n, _ := newNextcloudServer(t, fake)

	id, err := n.FindIdentity(context.Background(), platform.Identity{Username: "alice"})
	if err != nil || id != "alice" {
		t.Fatalf("FindIdentity = %q, %v", id, err)
	}
	if _, err := n.FindIdentity(context.Background(), platform.Identity{Username: "bob"}); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextcloudApplyAccess(t *testing.T) {
	fake := newNextcloudFake()
	fake.users["alice"] = true
	fake.groups["staff"] = true
	n, calls := newNextcloudServer(t, fake)

	got, err := n.ApplyAccess(context.Background(), "alice", platform.Identity{}, model.FileSyncAttrs{
		GroupID: "staff", StorageLimitMB: 512, SharedFolderID: "/Team", Permission: "Editor",
	})
	if err != nil {
		t.Fatalf("ApplyAccess: %v", err)
	}
	attrs := got.(model.FileSyncAttrs)
	if attrs.ShareID != "42" || attrs.Permission != "editor" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	if fake.quota != "512 MB" {
		t.Fatalf("quota = %q", fake.quota)
	}
	if fake.perms["42"] != "15" {
		t.Fatalf("share permissions = %q", fake.perms["42"])
	}
	if !calls.has("POST " + ocsUsersPath + "/alice/groups") {
		t.Fatalf("user not added to group: %v", calls.calls)
	}
}

func TestNextcloudUpdatePermissionInPlace(t *testing.T) {
	fake := newNextcloudFake()
	n, calls := newNextcloudServer(t, fake)

	got, err := n.UpdateAccess(context.Background(), "alice",
		model.FileSyncAttrs{SharedFolderID: "/Team", Permission: "viewer", ShareID: "7"},
		model.FileSyncAttrs{Permission: "editor"},
	)
	if err != nil {
		t.Fatalf("UpdateAccess: %v", err)
	}
	attrs := got.(model.FileSyncAttrs)
	if attrs.ShareID != "7" || attrs.Permission != "editor" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	if fake.perms["7"] != "15" {
		t.Fatalf("share 7 permissions = %q", fake.perms["7"])
	}
	if calls.has("POST " + ocsSharesPath) {
		t.Fatalf("permission change must not re-share")
	}
}

func TestNextcloudRevokeIsSafeOnPartialState(t *testing.T) {
	n, _ := newNextcloudServer(t, newNextcloudFake())
	err := n.RevokeAccess(context.Background(), "alice", model.FileSyncAttrs{GroupID: "gone", ShareID: "99"})
	if err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
}

func TestNextcloudDeleteMissingUser(t *testing.T) {
	n, _ := newNextcloudServer(t, newNextcloudFake())
	if err := n.DeleteAccount(context.Background(), "ghost"); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
