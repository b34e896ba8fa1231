//go:build unix

package rootfsdeploy

import "golang.org/x/sys/unix"

func chownPath(path string, uid, gid uint32) error {
	return unix.Chown(path, int(uid), int(gid))
}

func lchownPath(path string, uid, gid uint32) error {
	return unix.Lchown(path, int(uid), int(gid))
}

// mknodWhiteout creates a character-device placeholder with devnode 0,0,
// the only devnode spec.md §4.6 permits for this entry kind.
func mknodWhiteout(path string) error {
	return unix.Mknod(path, unix.S_IFCHR|0, 0)
}

// setXattrsNoFollow applies every xattr without following symlinks,
// matching original_source's os.setxattr(..., follow_symlinks=False).
func setXattrsNoFollow(path string, xattrs map[string][]byte) error {
	for k, v := range xattrs {
		if err := unix.Lsetxattr(path, k, v, 0); err != nil {
			return err
		}
	}
	return nil
}
