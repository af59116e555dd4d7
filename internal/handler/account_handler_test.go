package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omniforge/zonemind/internal/executor"
	"github.com/omniforge/zonemind/internal/models"
	"github.com/omniforge/zonemind/internal/taskqueue"
)

func TestAccountHandler_ListUsers(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("ListUsers", mock.Anything).Return([]executor.UserAccount{
		{Username: "root", UID: 0, GID: 0, Type: "user"},
		{Username: "admin", UID: 100, GID: 10, Type: "user"},
	}, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/users", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
	require.Len(t, body["users"], 2)
}

func TestAccountHandler_CreateUser(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.UserCreateParams)
		return ok && req.Operation == models.OpUserCreate &&
			req.ZoneName == models.ZoneSystem &&
			p.Username == "svc-backup"
	})).Return(testTask("acct-1", models.OpUserCreate), nil)

	uid := 50
	rec := doJSON(t, h.Routes(), http.MethodPost, "/users", executor.UserCreateParams{
		Username:   "svc-backup",
		UID:        &uid,
		CreateHome: true,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "acct-1", body["task_id"])
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "system range")
	queue.AssertExpectations(t)
}

func TestAccountHandler_CreateUser_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body executor.UserCreateParams
	}{
		{"uppercase username", executor.UserCreateParams{Username: "Admin"}},
		{"gid and group conflict", executor.UserCreateParams{Username: "ops", GID: intPtr(200), Group: "staff"}},
		{"zfs flags conflict", executor.UserCreateParams{Username: "ops", ForceZFS: true, PreventZFS: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := new(mockTaskQueue)
			h := NewAccountHandler(new(mockExecutor), queue)

			rec := doJSON(t, h.Routes(), http.MethodPost, "/users", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
		})
	}
}

func intPtr(n int) *int { return &n }

func TestAccountHandler_GetUser(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("GetUser", mock.Anything, "admin").Return(&executor.UserAccount{
		Username: "admin",
		UID:      100,
		Type:     "user",
		Profiles: []string{"Basic Solaris User"},
	}, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/users/admin", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", decodeBody(t, rec)["username"])
}

func TestAccountHandler_GetUser_RoleIsNotAUser(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("GetUser", mock.Anything, "backupop").Return(&executor.UserAccount{
		Username: "backupop",
		Type:     "role",
	}, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/users/backupop", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountHandler_GetUser_BadName(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	rec := doJSON(t, h.Routes(), http.MethodGet, "/users/Not%20AUser", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	exec.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
}

func TestAccountHandler_ModifyUser(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.UserModifyParams)
		return ok && req.Operation == models.OpUserModify && p.Username == "admin"
	})).Return(testTask("acct-2", models.OpUserModify), nil)

	shell := "/bin/bash"
	rec := doJSON(t, h.Routes(), http.MethodPut, "/users/admin", map[string]any{"shell": shell})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	queue.AssertExpectations(t)
}

func TestAccountHandler_ModifyUser_BadRBACEntry(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	rec := doJSON(t, h.Routes(), http.MethodPut, "/users/admin", map[string]any{
		"profiles": []string{"Zone Management, Service Management"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "precondition_failed", decodeBody(t, rec)["code"])
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestAccountHandler_DeleteUser(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.UserDeleteParams)
		return ok && req.Operation == models.OpUserDelete &&
			p.Username == "olduser" && p.RemoveHome
	})).Return(testTask("acct-3", models.OpUserDelete), nil)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/users/olduser", DeleteUserHTTPRequest{RemoveHome: true})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	queue.AssertExpectations(t)
}

func TestAccountHandler_SetPassword(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.SetPasswordParams)
		return ok && req.Operation == models.OpUserSetPassword &&
			p.Username == "admin" && p.ForceChange
	})).Return(testTask("acct-4", models.OpUserSetPassword), nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/users/admin/password", SetPasswordHTTPRequest{
		Password:    "hunter2hunter2",
		ForceChange: true,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAccountHandler_SetPassword_Required(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/users/admin/password", SetPasswordHTTPRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestAccountHandler_LockUnlock(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.AccountNameParams)
		return ok && req.Operation == models.OpUserLock && p.Username == "admin"
	})).Return(testTask("acct-5", models.OpUserLock), nil).Once()

	rec := doJSON(t, h.Routes(), http.MethodPost, "/users/admin/lock", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		return req.Operation == models.OpUserUnlock
	})).Return(testTask("acct-6", models.OpUserUnlock), nil).Once()

	rec = doJSON(t, h.Routes(), http.MethodPost, "/users/admin/unlock", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	queue.AssertExpectations(t)
}

func TestAccountHandler_CreateGroup(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.GroupCreateParams)
		return ok && req.Operation == models.OpGroupCreate && p.Groupname == "operators"
	})).Return(testTask("grp-1", models.OpGroupCreate), nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/groups", map[string]any{"groupname": "operators"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAccountHandler_GetGroup_NotFound(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("GetGroup", mock.Anything, "ghosts").Return(nil, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/groups/ghosts", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountHandler_DeleteGroup(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.AccountNameParams)
		return ok && req.Operation == models.OpGroupDelete && p.Groupname == "operators"
	})).Return(testTask("grp-2", models.OpGroupDelete), nil)

	rec := doJSON(t, h.Routes(), http.MethodDelete, "/groups/operators", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAccountHandler_GetRole(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("GetUser", mock.Anything, "backupop").Return(&executor.UserAccount{
		Username: "backupop",
		Type:     "role",
		Profiles: []string{"Media Backup"},
	}, nil).Once()

	rec := doJSON(t, h.Routes(), http.MethodGet, "/roles/backupop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "role", decodeBody(t, rec)["type"])

	exec.On("GetUser", mock.Anything, "admin").Return(&executor.UserAccount{
		Username: "admin",
		Type:     "user",
	}, nil).Once()

	rec = doJSON(t, h.Routes(), http.MethodGet, "/roles/admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountHandler_CreateRole(t *testing.T) {
	queue := new(mockTaskQueue)
	h := NewAccountHandler(new(mockExecutor), queue)

	queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(req taskqueue.EnqueueRequest) bool {
		p, ok := req.Params.(*executor.RoleCreateParams)
		return ok && req.Operation == models.OpRoleCreate && p.Rolename == "zoneadm"
	})).Return(testTask("role-1", models.OpRoleCreate), nil)

	rec := doJSON(t, h.Routes(), http.MethodPost, "/roles", map[string]any{
		"rolename": "zoneadm",
		"profiles": []string{"Zone-Management"},
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	queue.AssertExpectations(t)
}

func TestAccountHandler_RBACLists(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("ListAuthorizations", mock.Anything).Return([]executor.AuthorizationDef{
		{Name: "solaris.zone.manage", ShortDesc: "Zone Management"},
	}, nil)
	exec.On("ListProfiles", mock.Anything).Return(nil, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/rbac/authorizations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])

	rec = doJSON(t, h.Routes(), http.MethodGet, "/rbac/profiles", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	profiles, ok := body["profiles"].([]any)
	require.True(t, ok, "profiles must be an array, got %T", body["profiles"])
	assert.Empty(t, profiles)
}

func TestAccountHandler_RBACRoles(t *testing.T) {
	exec := new(mockExecutor)
	h := NewAccountHandler(exec, new(mockTaskQueue))

	exec.On("ListRoles", mock.Anything).Return([]executor.UserAccount{
		{Username: "backupop", Type: "role"},
	}, nil)

	rec := doJSON(t, h.Routes(), http.MethodGet, "/rbac/roles", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
}
