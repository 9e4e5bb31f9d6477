package topology

import (
	"os"
	"strings"
)

const fipsEnabledPath = "/proc/sys/crypto/fips_enabled"

// IsFIPSEnabled reports whether the kernel runs in FIPS mode, in which case
// the server's security module refuses to run without TLS.
func IsFIPSEnabled() bool {
	data, err := os.ReadFile(fipsEnabledPath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
