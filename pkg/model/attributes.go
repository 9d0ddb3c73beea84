package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidAttributes = errors.New("invalid platform attributes")

// Attributes is the platform-specific attribute bag of a binding or a desired config.
// The set of implementations is closed: one struct per Platform.
type Attributes interface {
	Platform() Platform
	// Validate checks field values; empty fields are allowed (partial configs).
	Validate() error
	// Merge overlays the non-empty fields of desired onto a copy of the receiver.
	// Adapter-assigned fields are never taken from desired.
	Merge(desired Attributes) Attributes
	sealed()
}

// SourceControlAttrs: group/project membership on the source-control host.
type SourceControlAttrs struct {
	Role       string  `json:"role,omitempty"`
	GroupID    int64   `json:"group_id,omitempty"`
	RepoAccess []int64 `json:"repo_access,omitempty"`
}

// TeamChatAttrs: team membership and default channels on the chat host.
type TeamChatAttrs struct {
	ServerName      string   `json:"server_name,omitempty"`
	Team            string   `json:"team,omitempty"`
	Role            string   `json:"role,omitempty"`
	DefaultChannels []string `json:"default_channels,omitempty"`
}

// FileSyncAttrs: group, quota and folder share on the file-sync host.
type FileSyncAttrs struct {
	GroupID        string `json:"group_id,omitempty"`
	StorageLimitMB int    `json:"storage_limit,omitempty"`
	SharedFolderID string `json:"shared_folder_id,omitempty"`
	Permission     string `json:"permission,omitempty"`
	ShareID        string `json:"share_id,omitempty"` // assigned by adapter
}

// CloudDriveAttrs: a permission on a shared folder of the cloud drive.
type CloudDriveAttrs struct {
	SharedFolderID string `json:"shared_folder_id,omitempty"`
	Role           string `json:"role,omitempty"`
	PermissionID   string `json:"permission_id,omitempty"` // assigned by adapter
}

// GitLab 风格的访问级别
var sourceControlAccessLevels = map[string]int{
	"Guest":      10,
	"Reporter":   20,
	"Developer":  30,
	"Maintainer": 40,
	"Owner":      50,
}

const DefaultSourceControlRole = "Developer"

func (SourceControlAttrs) Platform() Platform { return SourceControl }
func (TeamChatAttrs) Platform() Platform      { return TeamChat }
func (FileSyncAttrs) Platform() Platform      { return FileSync }
func (CloudDriveAttrs) Platform() Platform    { return CloudDrive }

func (SourceControlAttrs) sealed() {}
func (TeamChatAttrs) sealed()      {}
func (FileSyncAttrs) sealed()      {}
func (CloudDriveAttrs) sealed()    {}

// NormalizeSourceControlRole returns the canonical role name, or "" when unknown.
func NormalizeSourceControlRole(role string) string {
	for name := range sourceControlAccessLevels {
		if strings.EqualFold(name, strings.TrimSpace(role)) {
			return name
		}
	}
	return ""
}

// AccessLevel maps Role to the numeric access level; unknown roles are Developer.
func (a SourceControlAttrs) AccessLevel() int {
	if lvl, ok := sourceControlAccessLevels[NormalizeSourceControlRole(a.Role)]; ok {
		return lvl
	}
	return sourceControlAccessLevels[DefaultSourceControlRole]
}

func (a SourceControlAttrs) Validate() error {
	if a.Role != "" && NormalizeSourceControlRole(a.Role) == "" {
		return fmt.Errorf("%w: source-control role %q", ErrInvalidAttributes, a.Role)
	}
	if a.GroupID < 0 {
		return fmt.Errorf("%w: negative group_id", ErrInvalidAttributes)
	}
	for _, id := range a.RepoAccess {
		if id <= 0 {
			return fmt.Errorf("%w: repo id %d", ErrInvalidAttributes, id)
		}
	}
	return nil
}

func (a SourceControlAttrs) Merge(desired Attributes) Attributes {
	out := a
	out.RepoAccess = append([]int64(nil), a.RepoAccess...)
	d, ok := desired.(SourceControlAttrs)
	if !ok {
		return out
	}
	if d.Role != "" {
		out.Role = d.Role
	}
	if d.GroupID != 0 {
		out.GroupID = d.GroupID
	}
	if d.RepoAccess != nil {
		out.RepoAccess = append([]int64(nil), d.RepoAccess...)
	}
	return out
}

func (a TeamChatAttrs) Validate() error {
	switch strings.ToLower(a.Role) {
	case "", "member", "admin":
	default:
		return fmt.Errorf("%w: team-chat role %q", ErrInvalidAttributes, a.Role)
	}
	for _, ch := range a.DefaultChannels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("%w: empty channel name", ErrInvalidAttributes)
		}
	}
	return nil
}

// IsAdmin reports whether the team role grants team administration.
func (a TeamChatAttrs) IsAdmin() bool {
	return strings.EqualFold(a.Role, "admin")
}

func (a TeamChatAttrs) Merge(desired Attributes) Attributes {
	out := a
	out.DefaultChannels = append([]string(nil), a.DefaultChannels...)
	d, ok := desired.(TeamChatAttrs)
	if !ok {
		return out
	}
	if d.ServerName != "" {
		out.ServerName = d.ServerName
	}
	if d.Team != "" {
		out.Team = d.Team
	}
	if d.Role != "" {
		out.Role = d.Role
	}
	if d.DefaultChannels != nil {
		out.DefaultChannels = append([]string(nil), d.DefaultChannels...)
	}
	return out
}

// share 权限位: viewer=1 (read), editor=15 (read|update|create|delete)
var fileSyncPermissions = map[string]int{
	"viewer": 1,
	"editor": 15,
}

// PermissionBits returns the share permission bits; unset means viewer.
func (a FileSyncAttrs) PermissionBits() int {
	if bits, ok := fileSyncPermissions[strings.ToLower(a.Permission)]; ok {
		return bits
	}
	return fileSyncPermissions["viewer"]
}

func (a FileSyncAttrs) Validate() error {
	if a.Permission != "" {
		if _, ok := fileSyncPermissions[strings.ToLower(a.Permission)]; !ok {
			return fmt.Errorf("%w: file-sync permission %q", ErrInvalidAttributes, a.Permission)
		}
	}
	if a.StorageLimitMB < 0 {
		return fmt.Errorf("%w: negative storage_limit", ErrInvalidAttributes)
	}
	return nil
}

func (a FileSyncAttrs) Merge(desired Attributes) Attributes {
	out := a
	d, ok := desired.(FileSyncAttrs)
	if !ok {
		return out
	}
	if d.GroupID != "" {
		out.GroupID = d.GroupID
	}
	if d.StorageLimitMB != 0 {
		out.StorageLimitMB = d.StorageLimitMB
	}
	if d.SharedFolderID != "" {
		out.SharedFolderID = d.SharedFolderID
	}
	if d.Permission != "" {
		out.Permission = d.Permission
	}
	return out
}

var cloudDriveRoles = map[string]bool{"reader": true, "writer": true, "commenter": true}

func (a CloudDriveAttrs) Validate() error {
	if a.Role != "" && !cloudDriveRoles[strings.ToLower(a.Role)] {
		return fmt.Errorf("%w: cloud-drive role %q", ErrInvalidAttributes, a.Role)
	}
	return nil
}

func (a CloudDriveAttrs) Merge(desired Attributes) Attributes {
	out := a
	d, ok := desired.(CloudDriveAttrs)
	if !ok {
		return out
	}
	if d.SharedFolderID != "" {
		out.SharedFolderID = d.SharedFolderID
	}
	if d.Role != "" {
		out.Role = strings.ToLower(d.Role)
	}
	return out
}

// EmptyAttributes returns the zero attribute bag for p.
func EmptyAttributes(p Platform) (Attributes, error) {
	switch p {
	case SourceControl:
		return SourceControlAttrs{}, nil
	case TeamChat:
		return TeamChatAttrs{}, nil
	case FileSync:
		return FileSyncAttrs{}, nil
	case CloudDrive:
		return CloudDriveAttrs{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
}

// JSON 编解码: 扁平对象 + "platform" 判别字段

type sourceControlPlain SourceControlAttrs
type teamChatPlain TeamChatAttrs
type fileSyncPlain FileSyncAttrs
type cloudDrivePlain CloudDriveAttrs

func (a SourceControlAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Platform Platform `json:"platform"`
		sourceControlPlain
	}{SourceControl, sourceControlPlain(a)})
}

func (a TeamChatAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Platform Platform `json:"platform"`
		teamChatPlain
	}{TeamChat, teamChatPlain(a)})
}

func (a FileSyncAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Platform Platform `json:"platform"`
		fileSyncPlain
	}{FileSync, fileSyncPlain(a)})
}

func (a CloudDriveAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Platform Platform `json:"platform"`
		cloudDrivePlain
	}{CloudDrive, cloudDrivePlain(a)})
}

// DecodeAttributes decodes a flat JSON object discriminated by "platform".
// Fields belonging to another platform are rejected.
func DecodeAttributes(data []byte) (Attributes, error) {
	var head struct {
		Platform string `json:"platform"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	p, err := ParsePlatform(head.Platform)
	if err != nil {
		return nil, err
	}

	switch p {
	case SourceControl:
		var v struct {
			Platform string `json:"platform"`
			sourceControlPlain
		}
		if err := decodeStrict(data, &v); err != nil {
			return nil, err
		}
		return SourceControlAttrs(v.sourceControlPlain), nil
	case TeamChat:
		var v struct {
			Platform string `json:"platform"`
			teamChatPlain
		}
		if err := decodeStrict(data, &v); err != nil {
			return nil, err
		}
		return TeamChatAttrs(v.teamChatPlain), nil
	case FileSync:
		var v struct {
			Platform string `json:"platform"`
			fileSyncPlain
		}
		if err := decodeStrict(data, &v); err != nil {
			return nil, err
		}
		return FileSyncAttrs(v.fileSyncPlain), nil
	default:
		var v struct {
			Platform string `json:"platform"`
			cloudDrivePlain
		}
		if err := decodeStrict(data, &v); err != nil {
			return nil, err
		}
		return CloudDriveAttrs(v.cloudDrivePlain), nil
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	return nil
}
