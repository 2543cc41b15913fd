package input

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const wmemMaxPath = "/proc/sys/net/core/wmem_max"

// CheckDatagramSendBuffer compares maxDatagramBytes against the kernel's
// net.core.wmem_max: a UNIX datagram send buffer smaller than a single
// configured frame will truncate or reject client writes before dory
// ever sees them. Returns a human-readable warning (empty if the check
// passes or wmem_max couldn't be read — e.g. non-Linux or a restricted
// container — since this is advisory, not a startup blocker).
func CheckDatagramSendBuffer(maxDatagramBytes int) string {
	raw, err := os.ReadFile(wmemMaxPath)
	if err != nil {
		return ""
	}
	wmemMax, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return ""
	}
	if wmemMax < maxDatagramBytes {
		return fmt.Sprintf(
			"net.core.wmem_max (%d) is smaller than inputSources.unixDatagram.maxDatagramBytes (%d); "+
				"clients may see send failures on large messages. Raise wmem_max or lower maxDatagramBytes.",
			wmemMax, maxDatagramBytes)
	}
	return ""
}
