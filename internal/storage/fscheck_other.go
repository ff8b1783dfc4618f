//go:build !linux

package storage

// statMount trusts the path on platforms without a statfs f_type.
func statMount(string) (Mount, error) {
	return Mount{Kind: "local"}, nil
}
