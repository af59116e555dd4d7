package executor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/omniforge/zonemind/internal/command"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

const (
	maxAccountNameLength = 32
	maxID                = 2147483647
	systemIDCeiling      = 99
)

var (
	// Users and roles follow the traditional lowercase rule; groups may
	// carry mixed case.
	userNameRe  = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	groupNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)
)

// ValidateUsername checks a user or role name.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username is required")
	}
	if len(name) > maxAccountNameLength {
		return fmt.Errorf("username %q exceeds %d characters", name, maxAccountNameLength)
	}
	if !userNameRe.MatchString(name) {
		return fmt.Errorf("invalid username %q: must start with a lowercase letter or underscore and contain only lowercase letters, digits, '_' or '-'", name)
	}
	return nil
}

// ValidateGroupName checks a group name.
func ValidateGroupName(name string) error {
	if name == "" {
		return fmt.Errorf("groupname is required")
	}
	if len(name) > maxAccountNameLength {
		return fmt.Errorf("groupname %q exceeds %d characters", name, maxAccountNameLength)
	}
	if !groupNameRe.MatchString(name) {
		return fmt.Errorf("invalid groupname %q: must start with a letter or underscore and contain only letters, digits, '_' or '-'", name)
	}
	return nil
}

// ValidateID checks a UID or GID. IDs in the system range pass with a
// warning instead of an error.
func ValidateID(kind string, id int) (string, error) {
	if id < 0 || id > maxID {
		return "", fmt.Errorf("%s must be between 0 and %d", kind, maxID)
	}
	if id <= systemIDCeiling {
		return fmt.Sprintf("%s %d is in the system range (0-%d)", kind, id, systemIDCeiling), nil
	}
	return "", nil
}

func validateIDs(uid, gid *int) ([]string, error) {
	var warnings []string
	if uid != nil {
		w, err := ValidateID("uid", *uid)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	if gid != nil {
		w, err := ValidateID("gid", *gid)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	return warnings, nil
}

// ValidateRBACList checks authorization, profile and role list entries,
// which are joined by comma on the command line.
func ValidateRBACList(kind string, entries []string) error {
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("%s entries must not be empty", kind)
		}
		if strings.ContainsAny(entry, ", \t") {
			return fmt.Errorf("%s entry %q must not contain commas or whitespace", kind, entry)
		}
	}
	return nil
}

// UserCreateParams describes a user_create task. force_zfs and prevent_zfs
// map to useradd -z / -Z and are mutually exclusive.
type UserCreateParams struct {
	Username       string   `json:"username" validate:"required"`
	UID            *int     `json:"uid,omitempty"`
	GID            *int     `json:"gid,omitempty"`
	Group          string   `json:"group,omitempty"`
	Groups         []string `json:"groups,omitempty"`
	Comment        string   `json:"comment,omitempty"`
	HomeDir        string   `json:"home_dir,omitempty"`
	Shell          string   `json:"shell,omitempty"`
	CreateHome     bool     `json:"create_home,omitempty"`
	ForceZFS       bool     `json:"force_zfs,omitempty"`
	PreventZFS     bool     `json:"prevent_zfs,omitempty"`
	Authorizations []string `json:"authorizations,omitempty"`
	Profiles       []string `json:"profiles,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Project        string   `json:"project,omitempty"`
	Password       string   `json:"password,omitempty"`
}

// UserModifyParams describes a user_modify task. Nil fields stay unchanged.
type UserModifyParams struct {
	Username       string    `json:"username" validate:"required"`
	NewUsername    *string   `json:"new_username,omitempty"`
	UID            *int      `json:"uid,omitempty"`
	GID            *int      `json:"gid,omitempty"`
	Groups         *[]string `json:"groups,omitempty"`
	Comment        *string   `json:"comment,omitempty"`
	HomeDir        *string   `json:"home_dir,omitempty"`
	MoveHome       bool      `json:"move_home,omitempty"`
	Shell          *string   `json:"shell,omitempty"`
	Authorizations *[]string `json:"authorizations,omitempty"`
	Profiles       *[]string `json:"profiles,omitempty"`
	Roles          *[]string `json:"roles,omitempty"`
	Project        *string   `json:"project,omitempty"`
}

// UserDeleteParams describes a user_delete task.
type UserDeleteParams struct {
	Username   string `json:"username" validate:"required"`
	RemoveHome bool   `json:"remove_home,omitempty"`
}

// SetPasswordParams describes a user_set_password task.
type SetPasswordParams struct {
	Username    string `json:"username" validate:"required"`
	Password    string `json:"password" validate:"required"`
	ForceChange bool   `json:"force_change,omitempty"`
}

// AccountNameParams is the shared shape of lock/unlock and delete-style
// tasks that only carry a name.
type AccountNameParams struct {
	Username  string `json:"username,omitempty"`
	Groupname string `json:"groupname,omitempty"`
	Rolename  string `json:"rolename,omitempty"`
}

// GroupCreateParams describes a group_create task.
type GroupCreateParams struct {
	Groupname string `json:"groupname" validate:"required"`
	GID       *int   `json:"gid,omitempty"`
}

// GroupModifyParams describes a group_modify task.
type GroupModifyParams struct {
	Groupname    string  `json:"groupname" validate:"required"`
	NewGroupname *string `json:"new_groupname,omitempty"`
	GID          *int    `json:"gid,omitempty"`
}

// RoleCreateParams describes a role_create task. Roles take the RBAC flags
// but cannot themselves hold roles.
type RoleCreateParams struct {
	Rolename       string   `json:"rolename" validate:"required"`
	UID            *int     `json:"uid,omitempty"`
	GID            *int     `json:"gid,omitempty"`
	Comment        string   `json:"comment,omitempty"`
	HomeDir        string   `json:"home_dir,omitempty"`
	Shell          string   `json:"shell,omitempty"`
	CreateHome     bool     `json:"create_home,omitempty"`
	Authorizations []string `json:"authorizations,omitempty"`
	Profiles       []string `json:"profiles,omitempty"`
	Password       string   `json:"password,omitempty"`
}

// RoleModifyParams describes a role_modify task.
type RoleModifyParams struct {
	Rolename       string    `json:"rolename" validate:"required"`
	NewRolename    *string   `json:"new_rolename,omitempty"`
	Comment        *string   `json:"comment,omitempty"`
	Shell          *string   `json:"shell,omitempty"`
	Authorizations *[]string `json:"authorizations,omitempty"`
	Profiles       *[]string `json:"profiles,omitempty"`
}

// ValidateUserCreate checks user-creation parameters. Returns non-fatal
// warnings.
func ValidateUserCreate(p *UserCreateParams) ([]string, error) {
	if err := ValidateUsername(p.Username); err != nil {
		return nil, err
	}
	warnings, err := validateIDs(p.UID, p.GID)
	if err != nil {
		return nil, err
	}
	if p.GID != nil && p.Group != "" {
		return nil, fmt.Errorf("gid and group are mutually exclusive")
	}
	if p.Group != "" {
		if err := ValidateGroupName(p.Group); err != nil {
			return nil, err
		}
	}
	for _, g := range p.Groups {
		if err := ValidateGroupName(g); err != nil {
			return nil, err
		}
	}
	if p.ForceZFS && p.PreventZFS {
		return nil, fmt.Errorf("force_zfs and prevent_zfs are mutually exclusive")
	}
	if err := ValidateRBACList("authorizations", p.Authorizations); err != nil {
		return nil, err
	}
	if err := ValidateRBACList("profiles", p.Profiles); err != nil {
		return nil, err
	}
	if err := ValidateRBACList("roles", p.Roles); err != nil {
		return nil, err
	}
	return warnings, nil
}

// accountFlags assembles the flag list shared by useradd/usermod and
// roleadd/rolemod.
type accountFlags struct {
	args []string
}

func (f *accountFlags) id(flag string, v *int) {
	if v != nil {
		f.args = append(f.args, flag, fmt.Sprintf("%d", *v))
	}
}

func (f *accountFlags) str(flag, v string) {
	if v != "" {
		f.args = append(f.args, flag, command.Quote(v))
	}
}

func (f *accountFlags) list(flag string, v []string) {
	if len(v) > 0 {
		f.args = append(f.args, flag, command.Quote(strings.Join(v, ",")))
	}
}

func (f *accountFlags) line(tool, name string) string {
	parts := append([]string{tool}, f.args...)
	parts = append(parts, name)
	return strings.Join(parts, " ")
}

func useraddLine(p *UserCreateParams) string {
	var f accountFlags
	f.id("-u", p.UID)
	f.id("-g", p.GID)
	if p.GID == nil {
		f.str("-g", p.Group)
	}
	f.list("-G", p.Groups)
	f.str("-c", p.Comment)
	f.str("-d", p.HomeDir)
	f.str("-s", p.Shell)
	if p.CreateHome {
		f.args = append(f.args, "-m")
	}
	if p.ForceZFS {
		f.args = append(f.args, "-z")
	}
	if p.PreventZFS {
		f.args = append(f.args, "-Z")
	}
	f.list("-A", p.Authorizations)
	f.list("-P", p.Profiles)
	f.list("-R", p.Roles)
	f.str("-p", p.Project)
	return f.line("useradd", p.Username)
}

func usermodLine(p *UserModifyParams) string {
	var f accountFlags
	f.id("-u", p.UID)
	f.id("-g", p.GID)
	if p.Groups != nil {
		f.list("-G", *p.Groups)
	}
	if p.Comment != nil {
		f.args = append(f.args, "-c", command.Quote(*p.Comment))
	}
	if p.HomeDir != nil {
		f.args = append(f.args, "-d", command.Quote(*p.HomeDir))
		if p.MoveHome {
			f.args = append(f.args, "-m")
		}
	}
	if p.Shell != nil {
		f.args = append(f.args, "-s", command.Quote(*p.Shell))
	}
	if p.Authorizations != nil {
		f.list("-A", *p.Authorizations)
	}
	if p.Profiles != nil {
		f.list("-P", *p.Profiles)
	}
	if p.Roles != nil {
		f.list("-R", *p.Roles)
	}
	if p.Project != nil {
		f.args = append(f.args, "-p", command.Quote(*p.Project))
	}
	if p.NewUsername != nil {
		f.args = append(f.args, "-l", *p.NewUsername)
	}
	return f.line("usermod", p.Username)
}

func (e *Executor) handleUserCreate(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p UserCreateParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	warnings, err := ValidateUserCreate(&p)
	if err != nil {
		return nil, err
	}

	e.logger.Info("creating user", "username", p.Username, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(useraddLine(&p))); !r.Success {
		return nil, fmt.Errorf("useradd failed: %s", r.Error)
	}

	if p.Password != "" {
		if err := e.setPassword(ctx, p.Username, p.Password); err != nil {
			return nil, fmt.Errorf("user %s created but password not set: %w", p.Username, err)
		}
	}

	res := taskqueue.Succeed("user %s created", p.Username)
	if len(warnings) > 0 {
		res.Data = map[string]any{"warnings": warnings}
	}
	return res, nil
}

func (e *Executor) handleUserModify(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p UserModifyParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Username); err != nil {
		return nil, err
	}
	if p.NewUsername != nil {
		if err := ValidateUsername(*p.NewUsername); err != nil {
			return nil, err
		}
	}
	warnings, err := validateIDs(p.UID, p.GID)
	if err != nil {
		return nil, err
	}
	for _, list := range []*[]string{p.Authorizations, p.Profiles, p.Roles} {
		if list == nil {
			continue
		}
		if err := ValidateRBACList("rbac", *list); err != nil {
			return nil, err
		}
	}

	if r := e.runner.Run(ctx, command.Privileged(usermodLine(&p))); !r.Success {
		return nil, fmt.Errorf("usermod failed: %s", r.Error)
	}

	res := taskqueue.Succeed("user %s modified", p.Username)
	if len(warnings) > 0 {
		res.Data = map[string]any{"warnings": warnings}
	}
	return res, nil
}

func (e *Executor) handleUserDelete(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p UserDeleteParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Username); err != nil {
		return nil, err
	}

	line := "userdel "
	if p.RemoveHome {
		line += "-r "
	}
	line += p.Username

	e.logger.Info("deleting user", "username", p.Username, "remove_home", p.RemoveHome, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(line)); !r.Success {
		return nil, fmt.Errorf("userdel failed: %s", r.Error)
	}
	return taskqueue.Succeed("user %s deleted", p.Username), nil
}

// setPassword feeds the new password to passwd through a private temp file
// so it never appears on a command line or in logs.
func (e *Executor) setPassword(ctx context.Context, username, password string) error {
	tmp, err := os.CreateTemp("", "zonemind-pw-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(password); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	line := fmt.Sprintf(`p=$(cat %s); printf '%%s\n%%s\n' "$p" "$p" | pfexec passwd %s`,
		command.Quote(tmp.Name()), username)
	if r := e.runner.Run(ctx, line); !r.Success {
		return fmt.Errorf("passwd exited %d: %s", r.ExitCode, r.Error)
	}
	return nil
}

func (e *Executor) handleUserSetPassword(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p SetPasswordParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Username); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	if err := e.setPassword(ctx, p.Username, p.Password); err != nil {
		return nil, err
	}
	if p.ForceChange {
		if r := e.runner.Run(ctx, command.Privileged("passwd -f "+p.Username)); !r.Success {
			return nil, fmt.Errorf("passwd -f failed: %s", r.Error)
		}
	}
	return taskqueue.Succeed("password set for %s", p.Username), nil
}

func (e *Executor) handleUserLock(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	return e.passwdFlagTask(ctx, h, "-l", "locked")
}

func (e *Executor) handleUserUnlock(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	return e.passwdFlagTask(ctx, h, "-u", "unlocked")
}

func (e *Executor) passwdFlagTask(ctx context.Context, h *taskqueue.Handle, flag, verb string) (*taskqueue.Result, error) {
	var p AccountNameParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Username); err != nil {
		return nil, err
	}
	if r := e.runner.Run(ctx, command.Privileged("passwd "+flag+" "+p.Username)); !r.Success {
		return nil, fmt.Errorf("passwd %s failed: %s", flag, r.Error)
	}
	return taskqueue.Succeed("user %s %s", p.Username, verb), nil
}

func (e *Executor) handleGroupCreate(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p GroupCreateParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateGroupName(p.Groupname); err != nil {
		return nil, err
	}
	var warnings []string
	if p.GID != nil {
		w, err := ValidateID("gid", *p.GID)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}

	var f accountFlags
	f.id("-g", p.GID)
	if r := e.runner.Run(ctx, command.Privileged(f.line("groupadd", p.Groupname))); !r.Success {
		return nil, fmt.Errorf("groupadd failed: %s", r.Error)
	}

	res := taskqueue.Succeed("group %s created", p.Groupname)
	if len(warnings) > 0 {
		res.Data = map[string]any{"warnings": warnings}
	}
	return res, nil
}

func (e *Executor) handleGroupModify(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p GroupModifyParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateGroupName(p.Groupname); err != nil {
		return nil, err
	}
	if p.NewGroupname != nil {
		if err := ValidateGroupName(*p.NewGroupname); err != nil {
			return nil, err
		}
	}
	if p.GID != nil {
		if _, err := ValidateID("gid", *p.GID); err != nil {
			return nil, err
		}
	}

	var f accountFlags
	f.id("-g", p.GID)
	if p.NewGroupname != nil {
		f.args = append(f.args, "-n", *p.NewGroupname)
	}
	if len(f.args) == 0 {
		return nil, fmt.Errorf("nothing to modify")
	}
	if r := e.runner.Run(ctx, command.Privileged(f.line("groupmod", p.Groupname))); !r.Success {
		return nil, fmt.Errorf("groupmod failed: %s", r.Error)
	}
	return taskqueue.Succeed("group %s modified", p.Groupname), nil
}

func (e *Executor) handleGroupDelete(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p AccountNameParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateGroupName(p.Groupname); err != nil {
		return nil, err
	}
	if r := e.runner.Run(ctx, command.Privileged("groupdel "+p.Groupname)); !r.Success {
		return nil, fmt.Errorf("groupdel failed: %s", r.Error)
	}
	return taskqueue.Succeed("group %s deleted", p.Groupname), nil
}

func (e *Executor) handleRoleCreate(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p RoleCreateParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Rolename); err != nil {
		return nil, err
	}
	warnings, err := validateIDs(p.UID, p.GID)
	if err != nil {
		return nil, err
	}
	if err := ValidateRBACList("authorizations", p.Authorizations); err != nil {
		return nil, err
	}
	if err := ValidateRBACList("profiles", p.Profiles); err != nil {
		return nil, err
	}

	var f accountFlags
	f.id("-u", p.UID)
	f.id("-g", p.GID)
	f.str("-c", p.Comment)
	f.str("-d", p.HomeDir)
	f.str("-s", p.Shell)
	if p.CreateHome {
		f.args = append(f.args, "-m")
	}
	f.list("-A", p.Authorizations)
	f.list("-P", p.Profiles)

	e.logger.Info("creating role", "rolename", p.Rolename, "task_id", h.ID())
	if r := e.runner.Run(ctx, command.Privileged(f.line("roleadd", p.Rolename))); !r.Success {
		return nil, fmt.Errorf("roleadd failed: %s", r.Error)
	}

	if p.Password != "" {
		if err := e.setPassword(ctx, p.Rolename, p.Password); err != nil {
			return nil, fmt.Errorf("role %s created but password not set: %w", p.Rolename, err)
		}
	}

	res := taskqueue.Succeed("role %s created", p.Rolename)
	if len(warnings) > 0 {
		res.Data = map[string]any{"warnings": warnings}
	}
	return res, nil
}

func (e *Executor) handleRoleModify(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p RoleModifyParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Rolename); err != nil {
		return nil, err
	}
	if p.NewRolename != nil {
		if err := ValidateUsername(*p.NewRolename); err != nil {
			return nil, err
		}
	}
	for _, list := range []*[]string{p.Authorizations, p.Profiles} {
		if list == nil {
			continue
		}
		if err := ValidateRBACList("rbac", *list); err != nil {
			return nil, err
		}
	}

	var f accountFlags
	if p.Comment != nil {
		f.args = append(f.args, "-c", command.Quote(*p.Comment))
	}
	if p.Shell != nil {
		f.args = append(f.args, "-s", command.Quote(*p.Shell))
	}
	if p.Authorizations != nil {
		f.list("-A", *p.Authorizations)
	}
	if p.Profiles != nil {
		f.list("-P", *p.Profiles)
	}
	if p.NewRolename != nil {
		f.args = append(f.args, "-l", *p.NewRolename)
	}
	if len(f.args) == 0 {
		return nil, fmt.Errorf("nothing to modify")
	}
	if r := e.runner.Run(ctx, command.Privileged(f.line("rolemod", p.Rolename))); !r.Success {
		return nil, fmt.Errorf("rolemod failed: %s", r.Error)
	}
	return taskqueue.Succeed("role %s modified", p.Rolename), nil
}

func (e *Executor) handleRoleDelete(ctx context.Context, h *taskqueue.Handle) (*taskqueue.Result, error) {
	var p AccountNameParams
	if err := h.Params(&p); err != nil {
		return nil, err
	}
	if err := ValidateUsername(p.Rolename); err != nil {
		return nil, err
	}
	if r := e.runner.Run(ctx, command.Privileged("roledel "+p.Rolename)); !r.Success {
		return nil, fmt.Errorf("roledel failed: %s", r.Error)
	}
	return taskqueue.Succeed("role %s deleted", p.Rolename), nil
}
