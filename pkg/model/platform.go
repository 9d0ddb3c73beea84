package model

import (
	"errors"
	"fmt"
	"strings"
)

// Platform tags the external system a binding lives on.
type Platform string

const (
	SourceControl Platform = "source-control"
	TeamChat      Platform = "team-chat"
	FileSync      Platform = "file-sync"
	CloudDrive    Platform = "cloud-drive"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Platforms lists the closed set in a stable order.
var Platforms = []Platform{SourceControl, TeamChat, FileSync, CloudDrive}

// 旧版本前端使用产品名作为 platform 字段
var platformAliases = map[string]Platform{
	"gitlab":     SourceControl,
	"mattermost": TeamChat,
	"nextcloud":  FileSync,
	"drive":      CloudDrive,
}

// ParsePlatform normalizes a tag or product alias into a Platform.
func ParsePlatform(s string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Platforms {
		if string(p) == key {
			return p, nil
		}
	}
	if p, ok := platformAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// Valid reports whether p is one of the canonical tags (aliases are not).
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

func (p Platform) String() string {
	return string(p)
}
