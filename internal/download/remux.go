package download

import "fmt"

// Remuxer repackages a raw downloaded media container into the task's
// declared output format, for providers (youtube) whose transport
// origin isn't the Deezer chunk-obfuscated payload internal/crypto
// understands. The manager falls back to moving the raw file to the
// destination when Remux fails, so a Remuxer is always safe to try.
type Remuxer interface {
	Remux(inPath, outPath string) error
}

// NoOpRemuxer always fails, documenting the manager's fallback path:
// until a real remux binary is wired in, every youtube-provider task
// gets its raw download moved to the destination unchanged.
type NoOpRemuxer struct{}

// Remux implements Remuxer.
func (NoOpRemuxer) Remux(inPath, outPath string) error {
	return fmt.Errorf("download: no remuxer configured, raw file will be used")
}
