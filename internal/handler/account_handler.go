package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/middleware"
	"github.com/omniforge/zonemind/internal/models"
	apierrors "github.com/omniforge/zonemind/internal/pkg/errors"
	"github.com/omniforge/zonemind/internal/pkg/response"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

// AccountHandler serves user, group, and role management plus RBAC
// discovery. Reads query the live system databases; writes run as tasks.
type AccountHandler struct {
	executor SystemExecutor
	queue    TaskQueue
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(exec SystemExecutor, queue TaskQueue) *AccountHandler {
	return &AccountHandler{executor: exec, queue: queue}
}

// Routes returns the account API routes, mounted under /system.
func (h *AccountHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.Post("/", h.CreateUser)
		r.Get("/{username}", h.GetUser)
		r.Put("/{username}", h.ModifyUser)
		r.Delete("/{username}", h.DeleteUser)
		r.Post("/{username}/password", h.SetPassword)
		r.Post("/{username}/lock", h.LockUser)
		r.Post("/{username}/unlock", h.UnlockUser)
	})

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", h.ListGroups)
		r.Post("/", h.CreateGroup)
		r.Get("/{groupname}", h.GetGroup)
		r.Put("/{groupname}", h.ModifyGroup)
		r.Delete("/{groupname}", h.DeleteGroup)
	})

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.ListRoles)
		r.Post("/", h.CreateRole)
		r.Get("/{rolename}", h.GetRole)
		r.Put("/{rolename}", h.ModifyRole)
		r.Delete("/{rolename}", h.DeleteRole)
	})

	r.Route("/rbac", func(r chi.Router) {
		r.Get("/authorizations", h.ListAuthorizations)
		r.Get("/profiles", h.ListProfiles)
		r.Get("/roles", h.ListRoles)
	})

	return r
}

func (h *AccountHandler) enqueueAccountTask(w http.ResponseWriter, r *http.Request, operation string, params any, message string, warnings []string) {
	task, err := h.queue.Enqueue(r.Context(), taskqueue.EnqueueRequest{
		Operation: operation,
		ZoneName:  models.ZoneSystem,
		Params:    params,
		CreatedBy: middleware.GetPrincipal(r.Context()),
	})
	if err != nil {
		response.Error(w, apierrors.AsAPIError(err))
		return
	}

	var extra map[string]any
	if len(warnings) > 0 {
		extra = map[string]any{"warnings": warnings}
	}
	taskAccepted(w, task, message, extra)
}

// ListUsers handles GET /system/users
func (h *AccountHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.executor.ListUsers(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if users == nil {
		users = []executor.UserAccount{}
	}
	response.OK(w, map[string]any{"users": users, "total": len(users)})
}

// CreateUser handles POST /system/users
func (h *AccountHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var params executor.UserCreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	warnings, err := executor.ValidateUserCreate(&params)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}

	h.enqueueAccountTask(w, r, models.OpUserCreate, &params, "user creation queued", warnings)
}

// GetUser handles GET /system/users/{username}
func (h *AccountHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := executor.ValidateUsername(username); err != nil {
		response.Error(w, apierrors.NewValidationError("username", err.Error()))
		return
	}

	acct, err := h.executor.GetUser(r.Context(), username)
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if acct == nil || acct.Type == "role" {
		response.Error(w, apierrors.NewNotFoundError("user"))
		return
	}
	response.OK(w, acct)
}

// ModifyUser handles PUT /system/users/{username}
func (h *AccountHandler) ModifyUser(w http.ResponseWriter, r *http.Request) {
	var params executor.UserModifyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	params.Username = chi.URLParam(r, "username")

	if err := executor.ValidateUsername(params.Username); err != nil {
		response.Error(w, apierrors.NewValidationError("username", err.Error()))
		return
	}
	if params.NewUsername != nil {
		if err := executor.ValidateUsername(*params.NewUsername); err != nil {
			response.Error(w, apierrors.NewValidationError("new_username", err.Error()))
			return
		}
	}
	warnings, err := validateAccountIDs(params.UID, params.GID)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}
	for _, list := range []*[]string{params.Authorizations, params.Profiles, params.Roles} {
		if list == nil {
			continue
		}
		if err := executor.ValidateRBACList("rbac", *list); err != nil {
			response.Error(w, apierrors.NewPreconditionError(err.Error()))
			return
		}
	}

	h.enqueueAccountTask(w, r, models.OpUserModify, &params, "user modification queued", warnings)
}

// DeleteUserHTTPRequest is the optional request body for user deletion.
type DeleteUserHTTPRequest struct {
	RemoveHome bool `json:"remove_home,omitempty"`
}

// DeleteUser handles DELETE /system/users/{username}
func (h *AccountHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := executor.ValidateUsername(username); err != nil {
		response.Error(w, apierrors.NewValidationError("username", err.Error()))
		return
	}

	var req DeleteUserHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	params := &executor.UserDeleteParams{Username: username, RemoveHome: req.RemoveHome}
	h.enqueueAccountTask(w, r, models.OpUserDelete, params, "user deletion queued", nil)
}

// SetPasswordHTTPRequest is the request body for setting a password.
type SetPasswordHTTPRequest struct {
	Password    string `json:"password"`
	ForceChange bool   `json:"force_change,omitempty"`
}

// SetPassword handles POST /system/users/{username}/password
func (h *AccountHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := executor.ValidateUsername(username); err != nil {
		response.Error(w, apierrors.NewValidationError("username", err.Error()))
		return
	}

	var req SetPasswordHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Password == "" {
		response.Error(w, apierrors.NewValidationError("password", "password is required"))
		return
	}

	params := &executor.SetPasswordParams{
		Username:    username,
		Password:    req.Password,
		ForceChange: req.ForceChange,
	}
	h.enqueueAccountTask(w, r, models.OpUserSetPassword, params, "password change queued", nil)
}

// LockUser handles POST /system/users/{username}/lock
func (h *AccountHandler) LockUser(w http.ResponseWriter, r *http.Request) {
	h.passwdFlagTask(w, r, models.OpUserLock, "user lock queued")
}

// UnlockUser handles POST /system/users/{username}/unlock
func (h *AccountHandler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	h.passwdFlagTask(w, r, models.OpUserUnlock, "user unlock queued")
}

func (h *AccountHandler) passwdFlagTask(w http.ResponseWriter, r *http.Request, operation, message string) {
	username := chi.URLParam(r, "username")
	if err := executor.ValidateUsername(username); err != nil {
		response.Error(w, apierrors.NewValidationError("username", err.Error()))
		return
	}
	h.enqueueAccountTask(w, r, operation, &executor.AccountNameParams{Username: username}, message, nil)
}

// ListGroups handles GET /system/groups
func (h *AccountHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.executor.ListGroups(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if groups == nil {
		groups = []executor.GroupAccount{}
	}
	response.OK(w, map[string]any{"groups": groups, "total": len(groups)})
}

// CreateGroup handles POST /system/groups
func (h *AccountHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var params executor.GroupCreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if err := executor.ValidateGroupName(params.Groupname); err != nil {
		response.Error(w, apierrors.NewValidationError("groupname", err.Error()))
		return
	}
	warnings, err := validateAccountIDs(nil, params.GID)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}

	h.enqueueAccountTask(w, r, models.OpGroupCreate, &params, "group creation queued", warnings)
}

// GetGroup handles GET /system/groups/{groupname}
func (h *AccountHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupname := chi.URLParam(r, "groupname")
	if err := executor.ValidateGroupName(groupname); err != nil {
		response.Error(w, apierrors.NewValidationError("groupname", err.Error()))
		return
	}

	group, err := h.executor.GetGroup(r.Context(), groupname)
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if group == nil {
		response.Error(w, apierrors.NewNotFoundError("group"))
		return
	}
	response.OK(w, group)
}

// ModifyGroup handles PUT /system/groups/{groupname}
func (h *AccountHandler) ModifyGroup(w http.ResponseWriter, r *http.Request) {
	var params executor.GroupModifyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	params.Groupname = chi.URLParam(r, "groupname")

	if err := executor.ValidateGroupName(params.Groupname); err != nil {
		response.Error(w, apierrors.NewValidationError("groupname", err.Error()))
		return
	}
	if params.NewGroupname != nil {
		if err := executor.ValidateGroupName(*params.NewGroupname); err != nil {
			response.Error(w, apierrors.NewValidationError("new_groupname", err.Error()))
			return
		}
	}
	warnings, err := validateAccountIDs(nil, params.GID)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}

	h.enqueueAccountTask(w, r, models.OpGroupModify, &params, "group modification queued", warnings)
}

// DeleteGroup handles DELETE /system/groups/{groupname}
func (h *AccountHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupname := chi.URLParam(r, "groupname")
	if err := executor.ValidateGroupName(groupname); err != nil {
		response.Error(w, apierrors.NewValidationError("groupname", err.Error()))
		return
	}
	h.enqueueAccountTask(w, r, models.OpGroupDelete, &executor.AccountNameParams{Groupname: groupname}, "group deletion queued", nil)
}

// ListRoles handles GET /system/roles and GET /system/rbac/roles
func (h *AccountHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.executor.ListRoles(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if roles == nil {
		roles = []executor.UserAccount{}
	}
	response.OK(w, map[string]any{"roles": roles, "total": len(roles)})
}

// CreateRole handles POST /system/roles
func (h *AccountHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var params executor.RoleCreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	if err := executor.ValidateUsername(params.Rolename); err != nil {
		response.Error(w, apierrors.NewValidationError("rolename", err.Error()))
		return
	}
	warnings, err := validateAccountIDs(params.UID, params.GID)
	if err != nil {
		response.Error(w, apierrors.NewPreconditionError(err.Error()))
		return
	}
	for _, list := range [][]string{params.Authorizations, params.Profiles} {
		if err := executor.ValidateRBACList("rbac", list); err != nil {
			response.Error(w, apierrors.NewPreconditionError(err.Error()))
			return
		}
	}

	h.enqueueAccountTask(w, r, models.OpRoleCreate, &params, "role creation queued", warnings)
}

// GetRole handles GET /system/roles/{rolename}
func (h *AccountHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	rolename := chi.URLParam(r, "rolename")
	if err := executor.ValidateUsername(rolename); err != nil {
		response.Error(w, apierrors.NewValidationError("rolename", err.Error()))
		return
	}

	acct, err := h.executor.GetUser(r.Context(), rolename)
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if acct == nil || acct.Type != "role" {
		response.Error(w, apierrors.NewNotFoundError("role"))
		return
	}
	response.OK(w, acct)
}

// ModifyRole handles PUT /system/roles/{rolename}
func (h *AccountHandler) ModifyRole(w http.ResponseWriter, r *http.Request) {
	var params executor.RoleModifyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	params.Rolename = chi.URLParam(r, "rolename")

	if err := executor.ValidateUsername(params.Rolename); err != nil {
		response.Error(w, apierrors.NewValidationError("rolename", err.Error()))
		return
	}
	if params.NewRolename != nil {
		if err := executor.ValidateUsername(*params.NewRolename); err != nil {
			response.Error(w, apierrors.NewValidationError("new_rolename", err.Error()))
			return
		}
	}
	for _, list := range []*[]string{params.Authorizations, params.Profiles} {
		if list == nil {
			continue
		}
		if err := executor.ValidateRBACList("rbac", *list); err != nil {
			response.Error(w, apierrors.NewPreconditionError(err.Error()))
			return
		}
	}

	h.enqueueAccountTask(w, r, models.OpRoleModify, &params, "role modification queued", nil)
}

// DeleteRole handles DELETE /system/roles/{rolename}
func (h *AccountHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	rolename := chi.URLParam(r, "rolename")
	if err := executor.ValidateUsername(rolename); err != nil {
		response.Error(w, apierrors.NewValidationError("rolename", err.Error()))
		return
	}
	h.enqueueAccountTask(w, r, models.OpRoleDelete, &executor.AccountNameParams{Rolename: rolename}, "role deletion queued", nil)
}

// ListAuthorizations handles GET /system/rbac/authorizations
func (h *AccountHandler) ListAuthorizations(w http.ResponseWriter, r *http.Request) {
	auths, err := h.executor.ListAuthorizations(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if auths == nil {
		auths = []executor.AuthorizationDef{}
	}
	response.OK(w, map[string]any{"authorizations": auths, "total": len(auths)})
}

// ListProfiles handles GET /system/rbac/profiles
func (h *AccountHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.executor.ListProfiles(r.Context())
	if err != nil {
		response.Error(w, apierrors.NewInternalError(err.Error()))
		return
	}
	if profiles == nil {
		profiles = []executor.ProfileDef{}
	}
	response.OK(w, map[string]any{"profiles": profiles, "total": len(profiles)})
}

// validateAccountIDs checks optional uid/gid values, returning the
// system-range warnings.
func validateAccountIDs(uid, gid *int) ([]string, error) {
	var warnings []string
	if uid != nil {
		w, err := executor.ValidateID("uid", *uid)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	if gid != nil {
		w, err := executor.ValidateID("gid", *gid)
		if err != nil {
			return nil, err
		}
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	return warnings, nil
}
