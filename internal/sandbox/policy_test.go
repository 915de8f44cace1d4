package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeWithWorkspace_DenyReadUnion(t *testing.T) {
	global := Policy{DenyRead: []string{"~/.ssh"}}
	ws := Policy{DenyRead: []string{"~/.kube"}}
	merged := global.MergeWithWorkspace(ws)
	assert.Contains(t, merged.DenyRead, "~/.ssh")
	assert.Contains(t, merged.DenyRead, "~/.kube")
}

func TestMergeWithWorkspace_AllowWriteIntersection(t *testing.T) {
	global := Policy{AllowWrite: []string{"~/.cargo", "~/.npm"}}
	ws := Policy{AllowWrite: []string{"~/.npm"}}
	merged := global.MergeWithWorkspace(ws)
	assert.Equal(t, []string{"~/.npm"}, merged.AllowWrite)
}

func TestMergeWithWorkspace_IsolationOR(t *testing.T) {
	global := Policy{IsolatePID: true, IsolateNet: false}
	ws := Policy{IsolatePID: false, IsolateNet: true}
	merged := global.MergeWithWorkspace(ws)
	assert.True(t, merged.IsolatePID)
	assert.True(t, merged.IsolateNet)
}

func TestMergeWithWorkspace_NeverWeakensEnabled(t *testing.T) {
	global := Policy{Enabled: true}
	ws := Policy{Enabled: false}
	merged := global.MergeWithWorkspace(ws)
	assert.True(t, merged.Enabled, "workspace must not be able to disable a globally enabled sandbox")
}

func TestMergeWithWorkspace_StricterWinsIsCommutativeOnDenySets(t *testing.T) {
	a := Policy{DenyRead: []string{"~/.ssh"}, AllowWrite: []string{"~/.cargo"}}
	b := Policy{DenyRead: []string{"~/.aws"}, AllowWrite: []string{"~/.cargo"}}
	ab := a.MergeWithWorkspace(b)
	ba := b.MergeWithWorkspace(a)
	assert.Len(t, ba.DenyRead, len(ab.DenyRead), "deny_read union should be order-independent in size")
}

func TestDefaultPolicyDeniesCredentialDirs(t *testing.T) {
	p := DefaultPolicy()
	for _, want := range []string{"~/.ssh", "~/.gnupg", "~/.aws"} {
		assert.Contains(t, p.DenyRead, want, "default policy should deny-read %s", want)
	}
}

func TestMergeWithWorkspace_ResourceLimitsTakeTighter(t *testing.T) {
	global := Policy{CPUSeconds: 60, MaxMemoryBytes: 0, MaxOpenFiles: 256}
	ws := Policy{CPUSeconds: 30, MaxMemoryBytes: 512 << 20, MaxOpenFiles: 1024}
	merged := global.MergeWithWorkspace(ws)
	assert.EqualValues(t, 30, merged.CPUSeconds, "expected tighter CPUSeconds")
	assert.EqualValues(t, 512<<20, merged.MaxMemoryBytes, "expected unset global limit to defer to workspace's value")
	assert.EqualValues(t, 256, merged.MaxOpenFiles, "expected tighter MaxOpenFiles")
}
