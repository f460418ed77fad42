// Package namespace derives the context a session works in: which bucket of
// the task collection it touches, where that bucket is stored and which
// broadcast domain carries its lease events.
package namespace

import (
	"net/url"
	"path"
	"strings"
)

// DefaultProject is used when no project path is configured.
const DefaultProject = "app_todos_bd_tasks"

// General is the tag assigned when no bucket matches.
const General = "general"

type bucket struct {
	tag      string
	keywords []string
}

// buckets are checked in order; the first match wins.
var buckets = []bucket{
	{tag: "frontend", keywords: []string{"component", "react", "ui", "css", "tailwind"}},
	{tag: "backend", keywords: []string{"api", "server", "database", "endpoint"}},
	{tag: "rag", keywords: []string{"embedding", "vector", "search", "index"}},
	{tag: "devops", keywords: []string{"shell", "docker", "deploy", "ci/cd"}},
}

// Context identifies the slice of the task collection a session works on.
// It is derived, never persisted.
type Context struct {
	SessionID   string
	ProjectPath string
	Tag         string
	ContextKey  string
}

// Classify returns the tag of the first bucket with a keyword contained
// (case-insensitively) in any sample, or General.
func Classify(samples []string) string {
	lowered := make([]string, len(samples))
	for i, s := range samples {
		lowered[i] = strings.ToLower(s)
	}
	for _, b := range buckets {
		for _, kw := range b.keywords {
			for _, s := range lowered {
				if strings.Contains(s, kw) {
					return b.tag
				}
			}
		}
	}
	return General
}

// StorageKey returns the per-session storage name for tag. Components are
// path-escaped so distinct pairs never produce the same key.
func StorageKey(sessionID, tag string) string {
	return url.PathEscape(sessionID) + "/" + url.PathEscape(tag) + ".json"
}

// ContextKey returns the lock key shared by every session working on tag
// within projectPath.
func ContextKey(projectPath, tag string) string {
	if projectPath == "" {
		projectPath = DefaultProject
	}
	return url.PathEscape(projectPath) + "/" + url.PathEscape(tag)
}

// Domain returns the broadcast domain for a context key.
func Domain(contextKey string) string {
	return "coordination:" + contextKey
}

// Resolve classifies samples and builds the Context for a session. Projects
// whose profile disables namespacing always resolve to General.
func Resolve(sessionID, projectPath string, samples []string) Context {
	if projectPath == "" {
		projectPath = DefaultProject
	}
	tag := General
	if ProfileFor(projectPath).UseNamespace {
		tag = Classify(samples)
	}
	return Context{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Tag:         tag,
		ContextKey:  ContextKey(projectPath, tag),
	}
}

// FilePath returns the relative file a session persists its records to:
// todos/<project>/<tag>/<session>.json.
func FilePath(c Context) string {
	project := c.ProjectPath
	if project == "" {
		project = DefaultProject
	}
	tag := c.Tag
	if tag == "" {
		tag = General
	}
	return path.Join("todos", url.PathEscape(project), url.PathEscape(tag), url.PathEscape(c.SessionID)+".json")
}
