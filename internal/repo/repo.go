// Package repo identifies the repository a session belongs to.
package repo

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Info names a repository for remote session records.
type Info struct {
	Owner string
	Name  string
}

// Detect derives repository owner and name from the git origin remote
// of dir. When there is no remote (or no git at all) it falls back to
// "local" plus the directory's base name, so sessions outside a pushed
// repository still get a stable identity.
func Detect(dir string) Info {
	out, err := exec.Command("git", "-C", dir, "config", "--get", "remote.origin.url").Output()
	if err == nil {
		if owner, name, ok := ParseRemoteURL(strings.TrimSpace(string(out))); ok {
			return Info{Owner: owner, Name: name}
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return Info{Owner: "local", Name: filepath.Base(abs)}
}

// ParseRemoteURL extracts owner and repository name from the common
// git remote forms:
//
//	git@github.com:owner/name.git
//	https://github.com/owner/name.git
//	ssh://git@github.com/owner/name
func ParseRemoteURL(remote string) (owner, name string, ok bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", "", false
	}

	var path string
	switch {
	case strings.Contains(remote, "://"):
		// https:// or ssh:// forms
		idx := strings.Index(remote, "://")
		rest := remote[idx+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return "", "", false
		}
		path = rest[slash+1:]
	case strings.Contains(remote, ":"):
		// scp-like form: git@host:owner/name.git
		path = remote[strings.Index(remote, ":")+1:]
	default:
		return "", "", false
	}

	path = strings.TrimSuffix(path, "/")
	path = strings.TrimSuffix(path, ".git")

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	owner = parts[len(parts)-2]
	name = parts[len(parts)-1]
	if owner == "" || name == "" {
		return "", "", false
	}
	return owner, name, true
}
