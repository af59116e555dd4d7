package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// UserAccount is one row of the passwd database enriched with the RBAC
// attributes from user_attr.
type UserAccount struct {
	Username       string   `json:"username"`
	UID            int      `json:"uid"`
	GID            int      `json:"gid"`
	Comment        string   `json:"comment,omitempty"`
	HomeDir        string   `json:"home_dir"`
	Shell          string   `json:"shell"`
	Type           string   `json:"type"`
	Authorizations []string `json:"authorizations,omitempty"`
	Profiles       []string `json:"profiles,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Groups         []string `json:"groups,omitempty"`
}

// GroupAccount is one row of the group database.
type GroupAccount struct {
	Groupname string   `json:"groupname"`
	GID       int      `json:"gid"`
	Members   []string `json:"members,omitempty"`
}

// AuthorizationDef describes one auth_attr entry.
type AuthorizationDef struct {
	Name        string `json:"name"`
	ShortDesc   string `json:"short_desc,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProfileDef describes one prof_attr entry.
type ProfileDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

const (
	accountTypeUser = "user"
	accountTypeRole = "role"
)

// userAttr holds the parsed extended attributes of one user_attr row.
type userAttr struct {
	Type           string
	Authorizations []string
	Profiles       []string
	Roles          []string
}

// ListUsers returns all normal accounts from the passwd database.
// Roles are filtered out; ListRoles returns those.
func (e *Executor) ListUsers(ctx context.Context) ([]UserAccount, error) {
	return e.listAccounts(ctx, accountTypeUser)
}

// ListRoles returns all role accounts, identified by type=role in
// user_attr.
func (e *Executor) ListRoles(ctx context.Context) ([]UserAccount, error) {
	return e.listAccounts(ctx, accountTypeRole)
}

func (e *Executor) listAccounts(ctx context.Context, accountType string) ([]UserAccount, error) {
	r := e.runner.Run(ctx, "getent passwd")
	if !r.Success {
		return nil, fmt.Errorf("getent passwd failed: %s", r.Error)
	}
	attrs, err := e.userAttrs(ctx)
	if err != nil {
		return nil, err
	}

	var accounts []UserAccount
	for _, line := range strings.Split(r.Output, "\n") {
		acct, ok := parsePasswdLine(line)
		if !ok {
			continue
		}
		applyUserAttr(&acct, attrs[acct.Username])
		if acct.Type == accountType {
			accounts = append(accounts, acct)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	return accounts, nil
}

// GetUser looks up a single account by name. Returns nil when the name
// does not resolve.
func (e *Executor) GetUser(ctx context.Context, username string) (*UserAccount, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	r := e.runner.Run(ctx, "getent passwd "+username)
	if !r.Success {
		return nil, nil
	}
	acct, ok := parsePasswdLine(strings.TrimSpace(r.Output))
	if !ok {
		return nil, fmt.Errorf("unparseable passwd entry for %s", username)
	}
	attrs, err := e.userAttrs(ctx)
	if err != nil {
		return nil, err
	}
	applyUserAttr(&acct, attrs[acct.Username])
	acct.Groups = nil
	groups, err := e.memberGroups(ctx, username)
	if err == nil {
		acct.Groups = groups
	}
	return &acct, nil
}

// ListGroups returns all rows of the group database.
func (e *Executor) ListGroups(ctx context.Context) ([]GroupAccount, error) {
	r := e.runner.Run(ctx, "getent group")
	if !r.Success {
		return nil, fmt.Errorf("getent group failed: %s", r.Error)
	}
	var groups []GroupAccount
	for _, line := range strings.Split(r.Output, "\n") {
		g, ok := parseGroupLine(line)
		if !ok {
			continue
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Groupname < groups[j].Groupname })
	return groups, nil
}

// GetGroup looks up a single group by name. Returns nil when the name
// does not resolve.
func (e *Executor) GetGroup(ctx context.Context, groupname string) (*GroupAccount, error) {
	if err := ValidateGroupName(groupname); err != nil {
		return nil, err
	}
	r := e.runner.Run(ctx, "getent group "+groupname)
	if !r.Success {
		return nil, nil
	}
	g, ok := parseGroupLine(strings.TrimSpace(r.Output))
	if !ok {
		return nil, fmt.Errorf("unparseable group entry for %s", groupname)
	}
	return &g, nil
}

// ListAuthorizations returns the auth_attr database.
func (e *Executor) ListAuthorizations(ctx context.Context) ([]AuthorizationDef, error) {
	r := e.runner.Run(ctx, "cat /etc/security/auth_attr")
	if !r.Success {
		return nil, fmt.Errorf("reading auth_attr failed: %s", r.Error)
	}
	return parseAuthAttr(r.Output), nil
}

// ListProfiles returns the prof_attr database.
func (e *Executor) ListProfiles(ctx context.Context) ([]ProfileDef, error) {
	r := e.runner.Run(ctx, "cat /etc/security/prof_attr")
	if !r.Success {
		return nil, fmt.Errorf("reading prof_attr failed: %s", r.Error)
	}
	return parseProfAttr(r.Output), nil
}

func (e *Executor) userAttrs(ctx context.Context) (map[string]userAttr, error) {
	r := e.runner.Run(ctx, "cat /etc/user_attr")
	if !r.Success {
		return nil, fmt.Errorf("reading user_attr failed: %s", r.Error)
	}
	return parseUserAttr(r.Output), nil
}

// memberGroups lists the groups that carry username in their member list.
func (e *Executor) memberGroups(ctx context.Context, username string) ([]string, error) {
	groups, err := e.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, g := range groups {
		for _, m := range g.Members {
			if m == username {
				names = append(names, g.Groupname)
				break
			}
		}
	}
	return names, nil
}

func applyUserAttr(acct *UserAccount, attr userAttr) {
	acct.Type = accountTypeUser
	if attr.Type == accountTypeRole {
		acct.Type = accountTypeRole
	}
	acct.Authorizations = attr.Authorizations
	acct.Profiles = attr.Profiles
	acct.Roles = attr.Roles
}

// parsePasswdLine parses one name:passwd:uid:gid:gecos:home:shell row.
func parsePasswdLine(line string) (UserAccount, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return UserAccount{}, false
	}
	fields := strings.Split(line, ":")
	if len(fields) < 7 {
		return UserAccount{}, false
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return UserAccount{}, false
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return UserAccount{}, false
	}
	return UserAccount{
		Username: fields[0],
		UID:      uid,
		GID:      gid,
		Comment:  fields[4],
		HomeDir:  fields[5],
		Shell:    fields[6],
	}, true
}

// parseGroupLine parses one name:passwd:gid:members row.
func parseGroupLine(line string) (GroupAccount, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return GroupAccount{}, false
	}
	fields := strings.Split(line, ":")
	if len(fields) < 4 {
		return GroupAccount{}, false
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return GroupAccount{}, false
	}
	g := GroupAccount{Groupname: fields[0], GID: gid}
	if fields[3] != "" {
		g.Members = strings.Split(fields[3], ",")
	}
	return g, true
}

// parseUserAttr parses user_attr rows: name:qualifier:res1:res2:attr where
// attr is a semicolon-separated key=value list.
func parseUserAttr(text string) map[string]userAttr {
	attrs := make(map[string]userAttr)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 5 {
			continue
		}
		var attr userAttr
		for _, pair := range strings.Split(fields[4], ";") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			switch key {
			case "type":
				attr.Type = value
			case "auths":
				attr.Authorizations = splitAttrList(value)
			case "profiles":
				attr.Profiles = splitAttrList(value)
			case "roles":
				attr.Roles = splitAttrList(value)
			}
		}
		attrs[fields[0]] = attr
	}
	return attrs
}

func splitAttrList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseAuthAttr parses auth_attr rows: name:res1:res2:short_desc:long_desc:attr.
func parseAuthAttr(text string) []AuthorizationDef {
	var defs []AuthorizationDef
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 5 || fields[0] == "" {
			continue
		}
		defs = append(defs, AuthorizationDef{
			Name:        fields[0],
			ShortDesc:   fields[3],
			Description: fields[4],
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// parseProfAttr parses prof_attr rows: name:res1:res2:desc:attr.
func parseProfAttr(text string) []ProfileDef {
	var defs []ProfileDef
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		defs = append(defs, ProfileDef{
			Name:        fields[0],
			Description: fields[3],
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
