package osutil

import "os"

const (
	PermissionOnlyOwnerReadWrite    os.FileMode = 0600
	PermissionOnlyOwnerAll          os.FileMode = 0700 // For directories
	PermissionOwnerWriteOthersRead  os.FileMode = 0644
	PermissionOwnerAllOthersReadRun os.FileMode = 0755 // For directories
)
