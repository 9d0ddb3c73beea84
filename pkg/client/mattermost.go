package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/platform"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	mattermostMemberRoles = "team_user"
	mattermostAdminRoles  = "team_user team_admin"
)

// Mattermost implements the team-chat adapter over the Mattermost v4 API.
// BaseURL is the server root; paths carry the /api/v4 prefix.
type Mattermost struct {
	rest *restClient
	log  *logrus.Entry

	sf  singleflight.Group
	mu  sync.RWMutex
	ids map[string]string // team / channel name -> id
}

type mattermostEntity struct {
	ID string `json:"id"`
}

type mattermostAppError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func NewMattermost(opts Options, token string, log *logrus.Logger) *Mattermost {
	return &Mattermost{
		rest: newRestClient("mattermost", opts, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		}, log),
		log: log.WithField("platform", model.TeamChat),
		ids: make(map[string]string),
	}
}

func (m *Mattermost) Platform() model.Platform { return model.TeamChat }

func (m *Mattermost) FindIdentity(ctx context.Context, id platform.Identity) (string, error) {
	var user mattermostEntity
	if id.Email != "" {
		err := m.rest.get(ctx, "/api/v4/users/email/"+url.PathEscape(id.Email), nil, &user)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			return "", err
		}
	}
	if id.Username != "" {
		err := m.rest.get(ctx, "/api/v4/users/username/"+url.PathEscape(id.Username), nil, &user)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("mattermost user %q: %w", id.Username, platform.ErrNotFound)
}

func (m *Mattermost) CreateAccount(ctx context.Context, cred platform.Credentials, _ model.Attributes) (string, error) {
	payload := map[string]string{
		"email":    cred.Email,
		"username": cred.Username,
		"password": cred.Password,
	}
	var created mattermostEntity
	if err := m.rest.postJSON(ctx, "/api/v4/users", payload, &created); err != nil {
		if isMattermostExists(err) {
			return "", fmt.Errorf("%w: %w", platform.ErrConflict, err)
		}
		return "", err
	}
	m.log.WithField("native_id", created.ID).Info("mattermost user created")
	return created.ID, nil
}

// isMattermostExists matches 400 responses such as app.user.save.username_exists.app_error.
func isMattermostExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		return false
	}
	var appErr mattermostAppError
	if json.Unmarshal([]byte(apiErr.Body), &appErr) != nil {
		return false
	}
	return strings.Contains(appErr.ID, "_exists")
}

func (m *Mattermost) ApplyAccess(ctx context.Context, nativeID string, _ platform.Identity, desired model.Attributes) (model.Attributes, error) {
	attrs, err := teamChatAttrs(desired)
	if err != nil {
		return nil, err
	}
	attrs = withDefaultTeamRole(attrs)
	if attrs.Team == "" {
		return attrs, nil
	}

	teamID, err := m.teamID(ctx, attrs.Team)
	if err != nil {
		return nil, err
	}
	if err := m.joinTeam(ctx, teamID, nativeID, attrs); err != nil {
		return nil, err
	}
	if err := m.joinChannels(ctx, teamID, nativeID, attrs.DefaultChannels); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (m *Mattermost) UpdateAccess(ctx context.Context, nativeID string, current, desired model.Attributes) (model.Attributes, error) {
	cur, err := teamChatAttrs(current)
	if err != nil {
		return nil, err
	}
	want, err := teamChatAttrs(desired)
	if err != nil {
		return nil, err
	}
	next := withDefaultTeamRole(cur.Merge(want).(model.TeamChatAttrs))
	if next.Team == "" {
		return next, nil
	}

	teamID, err := m.teamID(ctx, next.Team)
	if err != nil {
		return nil, err
	}

	// 换团队: 离开旧团队，加入新团队并重新加入频道
	if want.Team != "" && !strings.EqualFold(want.Team, cur.Team) {
		if cur.Team != "" {
			if err := m.leaveTeam(ctx, cur.Team, nativeID); err != nil {
				return nil, err
			}
		}
		if err := m.joinTeam(ctx, teamID, nativeID, next); err != nil {
			return nil, err
		}
		if err := m.joinChannels(ctx, teamID, nativeID, next.DefaultChannels); err != nil {
			return nil, err
		}
		return next, nil
	}

	if want.Role != "" {
		if err := m.setTeamRoles(ctx, teamID, nativeID, next); err != nil {
			return nil, err
		}
	}
	if want.DefaultChannels != nil {
		joined := make(map[string]bool, len(cur.DefaultChannels))
		for _, ch := range cur.DefaultChannels {
			joined[ch] = true
		}
		var added []string
		for _, ch := range next.DefaultChannels {
			if !joined[ch] {
				added = append(added, ch)
			}
		}
		if err := m.joinChannels(ctx, teamID, nativeID, added); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (m *Mattermost) RevokeAccess(ctx context.Context, nativeID string, current model.Attributes) error {
	cur, err := teamChatAttrs(current)
	if err != nil {
		return err
	}
	if cur.Team == "" {
		return nil
	}
	return m.leaveTeam(ctx, cur.Team, nativeID)
}

// DeleteAccount deactivates the user; Mattermost keeps deactivated accounts.
func (m *Mattermost) DeleteAccount(ctx context.Context, nativeID string) error {
	return m.rest.delete(ctx, "/api/v4/users/"+url.PathEscape(nativeID))
}

func (m *Mattermost) UpdateProfile(ctx context.Context, nativeID string, change platform.ProfileChange) error {
	if change.Username != "" || change.Email != "" {
		patch := map[string]string{}
		if change.Username != "" {
			patch["username"] = change.Username
		}
		if change.Email != "" {
			patch["email"] = change.Email
		}
		if err := m.rest.putJSON(ctx, "/api/v4/users/"+url.PathEscape(nativeID)+"/patch", patch, nil); err != nil {
			return err
		}
	}
	if change.Password != "" {
		return m.rest.putJSON(ctx, "/api/v4/users/"+url.PathEscape(nativeID)+"/password",
			map[string]string{"new_password": change.Password}, nil)
	}
	return nil
}

func (m *Mattermost) joinTeam(ctx context.Context, teamID, userID string, attrs model.TeamChatAttrs) error {
	err := m.rest.postJSON(ctx, "/api/v4/teams/"+teamID+"/members",
		map[string]string{"team_id": teamID, "user_id": userID}, nil)
	if err := ignoreConflict(err); err != nil {
		return err
	}
	return m.setTeamRoles(ctx, teamID, userID, attrs)
}

func (m *Mattermost) setTeamRoles(ctx context.Context, teamID, userID string, attrs model.TeamChatAttrs) error {
	roles := mattermostMemberRoles
	if attrs.IsAdmin() {
		roles = mattermostAdminRoles
	}
	return m.rest.putJSON(ctx, "/api/v4/teams/"+teamID+"/members/"+url.PathEscape(userID)+"/roles",
		map[string]string{"roles": roles}, nil)
}

func (m *Mattermost) leaveTeam(ctx context.Context, team, userID string) error {
	teamID, err := m.teamID(ctx, team)
	if errors.Is(err, platform.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return ignoreNotFound(m.rest.delete(ctx, "/api/v4/teams/"+teamID+"/members/"+url.PathEscape(userID)))
}

func (m *Mattermost) joinChannels(ctx context.Context, teamID, userID string, channels []string) error {
	for _, name := range channels {
		chID, err := m.channelID(ctx, teamID, name)
		if errors.Is(err, platform.ErrNotFound) {
			m.log.Warnf("channel %q not found in team %s, skipped", name, teamID)
			continue
		}
		if err != nil {
			return err
		}
		err = m.rest.postJSON(ctx, "/api/v4/channels/"+chID+"/members", map[string]string{"user_id": userID}, nil)
		if err := ignoreConflict(err); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mattermost) teamID(ctx context.Context, name string) (string, error) {
	return m.lookupID(ctx, "team:"+name, "/api/v4/teams/name/"+url.PathEscape(name))
}

func (m *Mattermost) channelID(ctx context.Context, teamID, name string) (string, error) {
	return m.lookupID(ctx, "channel:"+teamID+"/"+name,
		"/api/v4/teams/"+teamID+"/channels/name/"+url.PathEscape(name))
}

// lookupID resolves a name to an id once; concurrent lookups of the same key share one request.
func (m *Mattermost) lookupID(ctx context.Context, key, path string) (string, error) {
	m.mu.RLock()
	id, ok := m.ids[key]
	m.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		var e mattermostEntity
		if err := m.rest.get(ctx, path, nil, &e); err != nil {
			return "", err
		}
		m.mu.Lock()
		m.ids[key] = e.ID
		m.mu.Unlock()
		return e.ID, nil
	})
	if errors.Is(err, platform.ErrNotFound) {
		// 团队/频道不存在属于配置错误
		return "", platform.MarkPermanent(fmt.Errorf("%s: %w", key, err))
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func withDefaultTeamRole(a model.TeamChatAttrs) model.TeamChatAttrs {
	if a.IsAdmin() {
		a.Role = "admin"
	} else {
		a.Role = "member"
	}
	return a
}

func teamChatAttrs(a model.Attributes) (model.TeamChatAttrs, error) {
	if a == nil {
		return model.TeamChatAttrs{}, nil
	}
	v, ok := a.(model.TeamChatAttrs)
	if !ok {
		return v, wrongAttrs(model.TeamChat, a)
	}
	return v, nil
}
