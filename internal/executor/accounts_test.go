package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("webadmin"))
	assert.NoError(t, ValidateUsername("_svc"))
	assert.NoError(t, ValidateUsername("db-backup"))
	assert.NoError(t, ValidateUsername("u2"))

	assert.Error(t, ValidateUsername(""))
	assert.Error(t, ValidateUsername("1abc"), "must not start with a digit")
	assert.Error(t, ValidateUsername("Admin"), "no uppercase")
	assert.Error(t, ValidateUsername("user name"), "no whitespace")
	assert.Error(t, ValidateUsername(strings.Repeat("a", 33)), "over 32 characters")
	assert.NoError(t, ValidateUsername(strings.Repeat("a", 32)))
}

func TestValidateGroupName(t *testing.T) {
	assert.NoError(t, ValidateGroupName("staff"))
	assert.NoError(t, ValidateGroupName("WebAdmins"), "groups may be mixed case")
	assert.Error(t, ValidateGroupName("2fast"))
	assert.Error(t, ValidateGroupName(""))
}

func TestValidateID(t *testing.T) {
	warning, err := ValidateID("uid", 50)
	require.NoError(t, err)
	assert.Contains(t, warning, "system range")

	warning, err = ValidateID("uid", 100)
	require.NoError(t, err)
	assert.Empty(t, warning)

	_, err = ValidateID("uid", -1)
	assert.Error(t, err)

	_, err = ValidateID("gid", 2147483648)
	assert.Error(t, err)
}

func TestValidateRBACList(t *testing.T) {
	assert.NoError(t, ValidateRBACList("authorizations", nil))
	assert.NoError(t, ValidateRBACList("authorizations", []string{"solaris.admin.usermgr.read"}))

	assert.Error(t, ValidateRBACList("profiles", []string{"Zone Management"}), "whitespace")
	assert.Error(t, ValidateRBACList("profiles", []string{"a,b"}), "embedded comma")
	assert.Error(t, ValidateRBACList("roles", []string{""}))
}

func TestValidateUserCreate(t *testing.T) {
	uid := 1001
	warnings, err := ValidateUserCreate(&UserCreateParams{
		Username: "webadmin",
		UID:      &uid,
		Groups:   []string{"staff", "www"},
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	sysUID := 50
	warnings, err = ValidateUserCreate(&UserCreateParams{Username: "daemonish", UID: &sysUID})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "uid 50")

	_, err = ValidateUserCreate(&UserCreateParams{Username: "x", ForceZFS: true, PreventZFS: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	gid := 10
	_, err = ValidateUserCreate(&UserCreateParams{Username: "x", GID: &gid, Group: "staff"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestUseraddLine(t *testing.T) {
	uid := 1001
	p := &UserCreateParams{
		Username:       "webadmin",
		UID:            &uid,
		Group:          "staff",
		Groups:         []string{"www", "deploy"},
		Comment:        "Web administrator",
		HomeDir:        "/export/home/webadmin",
		Shell:          "/bin/bash",
		CreateHome:     true,
		ForceZFS:       true,
		Authorizations: []string{"solaris.smf.manage.apache"},
		Profiles:       []string{"Service Management"},
	}

	line := useraddLine(p)
	assert.Equal(t,
		"useradd -u 1001 -g staff -G www,deploy -c 'Web administrator' "+
			"-d /export/home/webadmin -s /bin/bash -m -z "+
			"-A solaris.smf.manage.apache -P 'Service Management' webadmin",
		line)
}

func TestUseraddLineMinimal(t *testing.T) {
	assert.Equal(t, "useradd alice", useraddLine(&UserCreateParams{Username: "alice"}))
}

func TestUsermodLine(t *testing.T) {
	shell := "/bin/zsh"
	home := "/export/home/bob2"
	newName := "bob2"
	groups := []string{"ops"}

	line := usermodLine(&UserModifyParams{
		Username:    "bob",
		NewUsername: &newName,
		Shell:       &shell,
		HomeDir:     &home,
		MoveHome:    true,
		Groups:      &groups,
	})
	assert.Equal(t, "usermod -G ops -d /export/home/bob2 -m -s /bin/zsh -l bob2 bob", line)
}

func TestUsermodLineEmptyGroupList(t *testing.T) {
	empty := []string{}
	line := usermodLine(&UserModifyParams{Username: "bob", Groups: &empty})
	assert.Equal(t, "usermod bob", line, "empty list emits no -G flag")
}
