package sshclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRsyncCommandKeyAuth(t *testing.T) {
	creds := Credentials{Username: "prov", KeyPath: "/zonemind/provisioning/web01/key"}
	line := RsyncCommand("/prov/web", "/srv/web", "10.0.0.2", 22, creds, RsyncOptions{
		Delete:  true,
		Exclude: []string{".git", "*.tmp"},
	})

	assert.Contains(t, line, "rsync -az --delete")
	assert.Contains(t, line, "--exclude=.git")
	assert.Contains(t, line, "--exclude=*.tmp")
	assert.Contains(t, line, "StrictHostKeyChecking=no")
	assert.Contains(t, line, "UserKnownHostsFile=/dev/null")
	assert.Contains(t, line, "-i /zonemind/provisioning/web01/key")
	assert.Contains(t, line, "/prov/web/")
	assert.Contains(t, line, "prov@10.0.0.2:/srv/web")
	assert.NotContains(t, line, "sshpass")
}

func TestRsyncCommandPasswordFallback(t *testing.T) {
	creds := Credentials{Username: "prov", Password: "s3cret"}
	line := RsyncCommand("/prov/web/", "/srv/web", "10.0.0.2", 2222, creds, RsyncOptions{})

	assert.Contains(t, line, "sshpass -p s3cret rsync")
	assert.Contains(t, line, "-p 2222")
	assert.NotContains(t, line, "-i ")
}

func TestRsyncCommandExtraArgs(t *testing.T) {
	creds := Credentials{Username: "prov", KeyPath: "/k"}
	line := RsyncCommand("/a", "/b", "host", 22, creds, RsyncOptions{Args: []string{"--checksum"}})

	assert.Contains(t, line, "--checksum")
}

func TestClientConfigPrefersKey(t *testing.T) {
	_, err := clientConfig(Credentials{Username: "root"}, 0)
	assert.Error(t, err)

	cfg, err := clientConfig(Credentials{Username: "root", Password: "pw"}, 0)
	assert.NoError(t, err)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, "root", cfg.User)
}

func TestClientConfigMissingKeyFile(t *testing.T) {
	_, err := clientConfig(Credentials{Username: "root", KeyPath: "/no/such/key"}, 0)
	assert.Error(t, err)
}
