//go:build !unix

package engine

func raiseFileLimit(want uint64) (uint64, error) {
	return want, nil
}
