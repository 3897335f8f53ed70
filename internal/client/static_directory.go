package client

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// StaticDirectory is an identity source read from a YAML file. It backs
// local development and tests where no identity service runs.
//
//	organizations:
//	  org-1:
//	    users:
//	      - id: alice
//	        roles: [finance]
//	        manager: carol
//	        approves: ["*"]
type StaticDirectory struct {
	orgs map[string]map[string]staticUser
}

type staticFile struct {
	Organizations map[string]struct {
		Users []staticUser `yaml:"users"`
	} `yaml:"organizations"`
}

type staticUser struct {
	ID       string   `yaml:"id"`
	Roles    []string `yaml:"roles"`
	Manager  string   `yaml:"manager"`
	Approves []string `yaml:"approves"`
}

// LoadStaticDirectory reads a directory file from disk.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return ParseStaticDirectory(data)
}

// ParseStaticDirectory parses a YAML directory document.
func ParseStaticDirectory(data []byte) (*StaticDirectory, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}

	d := &StaticDirectory{orgs: make(map[string]map[string]staticUser, len(f.Organizations))}
	for org, body := range f.Organizations {
		users := make(map[string]staticUser, len(body.Users))
		for _, u := range body.Users {
			if u.ID == "" {
				return nil, fmt.Errorf("organization %s: user without id", org)
			}
			if _, dup := users[u.ID]; dup {
				return nil, fmt.Errorf("organization %s: duplicate user %s", org, u.ID)
			}
			users[u.ID] = u
		}
		d.orgs[org] = users
	}
	return d, nil
}

// Authorize allows a user whose approves list names the entity type or "*".
func (d *StaticDirectory) Authorize(_ context.Context, userID, orgID, entityType string) (bool, error) {
	u, ok := d.orgs[orgID][userID]
	if !ok {
		return false, nil
	}
	for _, t := range u.Approves {
		if t == "*" || t == entityType {
			return true, nil
		}
	}
	return false, nil
}

// UsersWithRole returns the users holding role, sorted.
func (d *StaticDirectory) UsersWithRole(_ context.Context, orgID, role string) ([]string, error) {
	var out []string
	for id, u := range d.orgs[orgID] {
		for _, r := range u.Roles {
			if r == role {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ManagerChain walks manager links upward. A cycle ends the walk.
func (d *StaticDirectory) ManagerChain(_ context.Context, orgID, userID string, levels int) ([]string, error) {
	users := d.orgs[orgID]
	seen := map[string]bool{userID: true}
	var chain []string
	for cur := userID; len(chain) < levels; {
		u, ok := users[cur]
		if !ok || u.Manager == "" || seen[u.Manager] {
			break
		}
		seen[u.Manager] = true
		chain = append(chain, u.Manager)
		cur = u.Manager
	}
	return chain, nil
}

// UserExists reports whether the organization lists userID.
func (d *StaticDirectory) UserExists(_ context.Context, orgID, userID string) (bool, error) {
	_, ok := d.orgs[orgID][userID]
	return ok, nil
}
