//go:build !unix

package filestore

// lockFile is a no-op here: updates are only serialized within one process,
// so a file shared between processes must have a single writer.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
