//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var remoteMagic = map[uint32]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.SMB2_SUPER_MAGIC: "smb2",
	unix.CIFS_SUPER_MAGIC: "cifs",
	unix.AFS_SUPER_MAGIC:  "afs",
}

func statMount(path string) (Mount, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Mount{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return mountForMagic(uint32(st.Type)), nil
}

// mountForMagic classifies a statfs f_type. f_type is signed on some
// architectures, hence the uint32 key.
func mountForMagic(magic uint32) Mount {
	if kind, ok := remoteMagic[magic]; ok {
		return Mount{Kind: kind, Remote: true}
	}
	return Mount{Kind: fmt.Sprintf("0x%x", magic)}
}
