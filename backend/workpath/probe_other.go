//go:build !unix

package workpath

// The probe file write in usable is the only check on these platforms.
func checkWritable(string) error {
	return nil
}
