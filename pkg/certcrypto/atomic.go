package certcrypto

import (
	"os"

	"github.com/cuemby/certd/pkg/certerrors"
)

// writeFileAtomic writes data to path via a sibling .tmp file and rename:
// never leave a torn file on disk.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return ioErr("write "+path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ioErr("rename "+path, err)
	}
	return nil
}

func certErrWrongPassphrase(msg string) error {
	return certerrors.New(certerrors.WrongPassphrase, msg)
}
