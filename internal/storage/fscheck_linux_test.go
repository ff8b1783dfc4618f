//go:build linux

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestMountForMagic(t *testing.T) {
	tests := []struct {
		magic  uint32
		kind   string
		remote bool
	}{
		{magic: unix.NFS_SUPER_MAGIC, kind: "nfs", remote: true},
		{magic: unix.CIFS_SUPER_MAGIC, kind: "cifs", remote: true},
		{magic: unix.SMB2_SUPER_MAGIC, kind: "smb2", remote: true},
		{magic: unix.EXT4_SUPER_MAGIC, kind: "0xef53"},
		{magic: unix.TMPFS_MAGIC, kind: "0x1021994"},
	}
	for _, tt := range tests {
		m := mountForMagic(tt.magic)
		assert.Equal(t, tt.kind, m.Kind)
		assert.Equal(t, tt.remote, m.Remote)
	}
}
