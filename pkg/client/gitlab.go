package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
)

// GitLab implements the source-control adapter over the GitLab v4 REST API.
// BaseURL is the API root, e.g. https://gitlab.example.com/api/v4.
type GitLab struct {
	rest *restClient
	log  *logrus.Entry
}

type gitlabUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func NewGitLab(opts Options, token string, log *logrus.Logger) *GitLab {
	return &GitLab{
		rest: newRestClient("gitlab", opts, func(r *http.Request) {
			r.Header.Set("PRIVATE-TOKEN", token)
		}, log),
		log: log.WithField("platform", model.SourceControl),
	}
}

func (g *GitLab) Platform() model.Platform { return model.SourceControl }

func (g *GitLab) FindIdentity(ctx context.Context, id platform.Identity) (string, error) {
	// 先按邮箱搜索，再按用户名
	if id.Email != "" {
		var users []gitlabUser
		if err := g.rest.get(ctx, "/users", url.Values{"search": {id.Email}}, &users); err != nil {
			return "", err
		}
		for _, u := range users {
			if strings.EqualFold(u.Email, id.Email) || (id.Username != "" && u.Username == id.Username) {
				return strconv.FormatInt(u.ID, 10), nil
			}
		}
	}
	if id.Username != "" {
		var users []gitlabUser
		if err := g.rest.get(ctx, "/users", url.Values{"username": {id.Username}}, &users); err != nil {
			return "", err
		}
		if len(users) > 0 {
			return strconv.FormatInt(users[0].ID, 10), nil
		}
	}
	return "", fmt.Errorf("gitlab user %q: %w", id.Username, platform.ErrNotFound)
}

func (g *GitLab) CreateAccount(ctx context.Context, cred platform.Credentials, _ model.Attributes) (string, error) {
	payload := map[string]any{
		"username":          cred.Username,
		"email":             cred.Email,
		"name":              cred.Username,
		"password":          cred.Password,
		"skip_confirmation": true,
	}
	var created gitlabUser
	if err := g.rest.postJSON(ctx, "/users", payload, &created); err != nil {
		return "", err
	}
	g.log.WithField("native_id", created.ID).Info("gitlab user created")
	return strconv.FormatInt(created.ID, 10), nil
}

func (g *GitLab) ApplyAccess(ctx context.Context, nativeID string, _ platform.Identity, desired model.Attributes) (model.Attributes, error) {
	attrs, err := sourceControlAttrs(desired)
	if err != nil {
		return nil, err
	}
	uid, err := gitlabUserID(nativeID)
	if err != nil {
		return nil, err
	}
	attrs = withCanonicalRole(attrs)
	level := attrs.AccessLevel()

	if attrs.GroupID != 0 {
		if err := g.ensureMember(ctx, "groups", attrs.GroupID, uid, level); err != nil {
			return nil, err
		}
	}
	for _, pid := range attrs.RepoAccess {
		if err := g.ensureMember(ctx, "projects", pid, uid, level); err != nil {
			return nil, err
		}
	}
	return attrs, nil
}

func (g *GitLab) UpdateAccess(ctx context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error) {
	cur, err := sourceControlAttrs(current)
	if err != nil {
		return nil, err
	}
	want, err := sourceControlAttrs(desired)
	if err != nil {
		return nil, err
	}
	uid, err := gitlabUserID(nativeID)
	if err != nil {
		return nil, err
	}
	next := withCanonicalRole(cur.Merge(want).(model.SourceControlAttrs))
	level := next.AccessLevel()
	roleChanged := want.Role != ""

	// 组: 变更时先移出旧组
	if want.GroupID != 0 && want.GroupID != cur.GroupID {
		if cur.GroupID != 0 {
			if err := ignoreNotFound(g.removeMember(ctx, "groups", cur.GroupID, uid)); err != nil {
				return nil, err
			}
		}
		if err := g.ensureMember(ctx, "groups", next.GroupID, uid, level); err != nil {
			return nil, err
		}
	} else if roleChanged && next.GroupID != 0 {
		if err := g.ensureMember(ctx, "groups", next.GroupID, uid, level); err != nil {
			return nil, err
		}
	}

	// 项目: removed -> delete, 其余 -> ensure
	if want.RepoAccess != nil || roleChanged {
		keep := make(map[int64]bool, len(next.RepoAccess))
		for _, pid := range next.RepoAccess {
			keep[pid] = true
		}
		for _, pid := range cur.RepoAccess {
			if !keep[pid] {
				if err := ignoreNotFound(g.removeMember(ctx, "projects", pid, uid)); err != nil {
					return nil, err
				}
			}
		}
		for _, pid := range next.RepoAccess {
			if err := g.ensureMember(ctx, "projects", pid, uid, level); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

func (g *GitLab) RevokeAccess(ctx context.Context, nativeID string, current model.Attributes) error {
	cur, err := sourceControlAttrs(current)
	if err != nil {
		return err
	}
	uid, err := gitlabUserID(nativeID)
	if err != nil {
		return err
	}

	var errs []error
	if cur.GroupID != 0 {
		errs = append(errs, ignoreNotFound(g.removeMember(ctx, "groups", cur.GroupID, uid)))
	}
	for _, pid := range cur.RepoAccess {
		errs = append(errs, ignoreNotFound(g.removeMember(ctx, "projects", pid, uid)))
	}
	return errors.Join(errs...)
}

func (g *GitLab) DeleteAccount(ctx context.Context, nativeID string) error {
	uid, err := gitlabUserID(nativeID)
	if err != nil {
		return err
	}
	return g.rest.delete(ctx, fmt.Sprintf("/users/%d", uid))
}

func (g *GitLab) UpdateProfile(ctx context.Context, nativeID string, change platform.ProfileChange) error {
	if change.Empty() {
		return nil
	}
	uid, err := gitlabUserID(nativeID)
	if err != nil {
		return err
	}
	payload := map[string]any{}
	if change.Username != "" {
		payload["username"] = change.Username
		payload["name"] = change.Username
	}
	if change.Email != "" {
		payload["email"] = change.Email
		payload["skip_reconfirmation"] = true
	}
	if change.Password != "" {
		payload["password"] = change.Password
	}
	return g.rest.putJSON(ctx, fmt.Sprintf("/users/%d", uid), payload, nil)
}

// ensureMember adds the membership, or edits its access level when the user is
// already a member.
func (g *GitLab) ensureMember(ctx context.Context, kind string, resourceID, uid int64, level int) error {
	err := g.rest.postJSON(ctx, fmt.Sprintf("/%s/%d/members", kind, resourceID),
		map[string]any{"user_id": uid, "access_level": level}, nil)
	if !errors.Is(err, platform.ErrConflict) {
		return err
	}
	g.log.Debugf("user %d already in %s %d, updating access level", uid, kind, resourceID)
	return g.rest.putJSON(ctx, fmt.Sprintf("/%s/%d/members/%d", kind, resourceID, uid),
		map[string]any{"access_level": level}, nil)
}

func (g *GitLab) removeMember(ctx context.Context, kind string, resourceID, uid int64) error {
	return g.rest.delete(ctx, fmt.Sprintf("/%s/%d/members/%d", kind, resourceID, uid))
}

func gitlabUserID(nativeID string) (int64, error) {
	id, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return 0, platform.MarkPermanent(fmt.Errorf("invalid gitlab user id %q: %w", nativeID, err))
	}
	return id, nil
}

func withCanonicalRole(a model.SourceControlAttrs) model.SourceControlAttrs {
	if role := model.NormalizeSourceControlRole(a.Role); role != "" {
		a.Role = role
	} else {
		a.Role = model.DefaultSourceControlRole
	}
	return a
}

func sourceControlAttrs(a model.Attributes) (model.SourceControlAttrs, error) {
	if a == nil {
		return model.SourceControlAttrs{}, nil
	}
	v, ok := a.(model.SourceControlAttrs)
	if !ok {
		return v, wrongAttrs(model.SourceControl, a)
	}
	return v, nil
}

func wrongAttrs(want model.Platform, got model.Attributes) error {
	return platform.MarkPermanent(fmt.Errorf("%w: %s adapter got %s attributes",
		model.ErrInvalidAttributes, want, got.Platform()))
}
