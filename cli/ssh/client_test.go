package ssh

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/rgt-harness/rgt/config"
)

func TestBuildSSHArgs(t *testing.T) {
	c := newClient(zerolog.Nop(), "login1.frontier",
		WithIdentityFile("/home/u/.ssh/id_ed25519"),
		WithProxyCommand("ssh -W %h:%p bastion"),
		WithExtraOptions("StrictHostKeyChecking=no"),
	)
	c.controlPath = "/run/user/1000/rgt/ssh-abc"

	assert.Equal(t, []string{
		"-o", "BatchMode=yes",
		"-o", "ControlPath=/run/user/1000/rgt/ssh-abc",
		"-o", "ControlMaster=no",
		"-i", "/home/u/.ssh/id_ed25519",
		"-o", "ProxyCommand=ssh -W %h:%p bastion",
		"-o", "StrictHostKeyChecking=no",
	}, c.buildSSHArgs())
}

func TestControlPath(t *testing.T) {
	a := newClient(zerolog.Nop(), "login1.frontier")
	b := newClient(zerolog.Nop(), "login2.frontier")

	pa := a.controlPathIn("/tmp/rgt")
	assert.Equal(t, pa, a.controlPathIn("/tmp/rgt"))
	assert.NotEqual(t, pa, b.controlPathIn("/tmp/rgt"))
	assert.Len(t, pa, len("/tmp/rgt/ssh-")+12)
}

func TestFromMachine(t *testing.T) {
	c := newClient(zerolog.Nop(), "login1.frontier", FromMachine(config.MachineDetails{
		SubmitHost:        "login1.frontier",
		SSHKnownHostsFile: "/etc/ssh/known_hosts",
		SSHOptions:        []string{"LogLevel=ERROR"},
	})...)

	assert.Equal(t, "login1.frontier", c.Host())
	assert.Equal(t, []string{
		"-o", "BatchMode=yes",
		"-o", "UserKnownHostsFile=/etc/ssh/known_hosts",
		"-o", "LogLevel=ERROR",
	}, c.buildSSHArgs())

	assert.Empty(t, FromMachine(config.MachineDetails{SubmitHost: "login1.frontier"}))
}
