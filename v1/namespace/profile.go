package namespace

import (
	"strings"
	"time"
)

// Mode describes how sessions of a project share records.
type Mode string

const (
	ModeIsolated      Mode = "isolated"
	ModeShared        Mode = "shared"
	ModeCollaborative Mode = "collaborative"
)

// Resolution names the conflict strategy a project prefers.
type Resolution string

const (
	ResolveLastWriteWins Resolution = "last-write-wins"
	ResolveMerge         Resolution = "merge"
	ResolveManual        Resolution = "manual"
)

// Profile holds per-project coordination defaults.
type Profile struct {
	Mode             Mode
	Resolution       Resolution
	UseNamespace     bool
	LockTimeout      time.Duration
	AutoSaveInterval time.Duration
}

// DefaultProfile applies to projects without an entry in Profiles.
var DefaultProfile = Profile{
	Mode:             ModeIsolated,
	Resolution:       ResolveMerge,
	UseNamespace:     true,
	LockTimeout:      30 * time.Second,
	AutoSaveInterval: 5 * time.Second,
}

// Profiles overrides DefaultProfile by project name.
var Profiles = map[string]Profile{
	DefaultProject: {
		Mode:             ModeCollaborative,
		Resolution:       ResolveMerge,
		UseNamespace:     true,
		LockTimeout:      DefaultProfile.LockTimeout,
		AutoSaveInterval: DefaultProfile.AutoSaveInterval,
	},
	"single_session": {
		Mode:             ModeIsolated,
		Resolution:       ResolveLastWriteWins,
		UseNamespace:     false,
		LockTimeout:      DefaultProfile.LockTimeout,
		AutoSaveInterval: DefaultProfile.AutoSaveInterval,
	},
}

// ProfileFor returns the profile for the last element of projectPath.
func ProfileFor(projectPath string) Profile {
	name := projectPath
	if i := strings.LastIndex(strings.TrimRight(projectPath, "/"), "/"); i >= 0 {
		name = strings.TrimRight(projectPath, "/")[i+1:]
	}
	if p, ok := Profiles[name]; ok {
		return p
	}
	return DefaultProfile
}
