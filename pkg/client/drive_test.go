package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"google.golang.org/api/option"
)

func newDriveServer(t *testing.T, mux *http.ServeMux) (*Drive, *callLog) {
	t.Helper()
	calls := &callLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.add(r)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDrive(context.Background(), time.Second, testLogger(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("NewDrive: %v", err)
	}
	return d, calls
}

func driveError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": http.StatusText(status)}})
}

func TestDriveIdentityIsEmail(t *testing.T) {
	d, calls := newDriveServer(t, http.NewServeMux())

	id, err := d.FindIdentity(context.Background(), platform.Identity{Username: "alice", Email: "alice@example.com"})
	if err != nil || id != "alice@example.com" {
		t.Fatalf("FindIdentity = %q, %v", id, err)
	}
	if _, err := d.FindIdentity(context.Background(), platform.Identity{Username: "alice"}); !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without email, got %v", err)
	}
	if err := d.DeleteAccount(context.Background(), "alice@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if len(calls.calls) != 0 {
		t.Fatalf("identity operations must not call the API: %v", calls.calls)
	}
}

func TestDriveApplyAccessCreatesPermission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/folder1/permissions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sendNotificationEmail") != "false" {
			t.Errorf("notification email must be disabled")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["emailAddress"] != "alice@example.com" || body["role"] != "writer" || body["type"] != "user" {
			t.Errorf("unexpected permission body: %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "perm1"})
	})
	d, _ := newDriveServer(t, mux)

	got, err := d.ApplyAccess(context.Background(), "alice@example.com", platform.Identity{},
		model.CloudDriveAttrs{SharedFolderID: "folder1", Role: "Writer"})
	if err != nil {
		t.Fatalf("ApplyAccess: %v", err)
	}
	if attrs := got.(model.CloudDriveAttrs); attrs.PermissionID != "perm1" || attrs.Role != "writer" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
}

func TestDriveUpdateRoleInPlace(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /files/folder1/permissions/perm1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "perm1", "role": "commenter"})
	})
	d, calls := newDriveServer(t, mux)

	got, err := d.UpdateAccess(context.Background(), "alice@example.com",
		model.CloudDriveAttrs{SharedFolderID: "folder1", Role: "reader", PermissionID: "perm1"},
		model.CloudDriveAttrs{Role: "commenter"})
	if err != nil {
		t.Fatalf("UpdateAccess: %v", err)
	}
	if attrs := got.(model.CloudDriveAttrs); attrs.PermissionID != "perm1" || attrs.Role != "commenter" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	if calls.has("POST /files/folder1/permissions") {
		t.Fatalf("role change must not re-grant")
	}
}

func TestDriveUpdateMovesFolder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /files/folder1/permissions/perm1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /files/folder2/permissions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": "perm2"})
	})
	d, _ := newDriveServer(t, mux)

	got, err := d.UpdateAccess(context.Background(), "alice@example.com",
		model.CloudDriveAttrs{SharedFolderID: "folder1", Role: "reader", PermissionID: "perm1"},
		model.CloudDriveAttrs{SharedFolderID: "folder2"})
	if err != nil {
		t.Fatalf("UpdateAccess: %v", err)
	}
	if attrs := got.(model.CloudDriveAttrs); attrs.PermissionID != "perm2" || attrs.SharedFolderID != "folder2" || attrs.Role != "reader" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
}

func TestDriveRevokeToleratesMissingPermission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /files/folder1/permissions/perm1", func(w http.ResponseWriter, r *http.Request) {
		driveError(w, http.StatusNotFound)
	})
	d, _ := newDriveServer(t, mux)

	err := d.RevokeAccess(context.Background(), "alice@example.com",
		model.CloudDriveAttrs{SharedFolderID: "folder1", PermissionID: "perm1"})
	if err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
}

func TestDriveServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/folder1/permissions", func(w http.ResponseWriter, r *http.Request) {
		driveError(w, http.StatusServiceUnavailable)
	})
	d, _ := newDriveServer(t, mux)

	_, err := d.ApplyAccess(context.Background(), "alice@example.com", platform.Identity{},
		model.CloudDriveAttrs{SharedFolderID: "folder1"})
	if !platform.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
