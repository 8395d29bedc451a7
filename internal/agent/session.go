package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

// sessionNamespace scopes derived session ids to this agent.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sentinel:agent-session"))

// sessionKey names one boot of one host reporting as clientID.
func sessionKey(clientID, hostname string, bootTime uint64) string {
	return fmt.Sprintf("%s@%s:%d", clientID, strings.TrimSpace(hostname), bootTime)
}

func sessionIDFor(key string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(key)).String()
}

// agentSessionID is sent as X-Agent-Session so the server can tell agent
// restarts (same id) from host reboots (new id) in its logs. Without a boot
// time every process start gets a fresh random id.
func agentSessionID(clientID string) string {
	bootTime, err := host.BootTime()
	if err != nil || bootTime == 0 {
		return uuid.NewString()
	}
	hostname, _ := os.Hostname()
	return sessionIDFor(sessionKey(clientID, hostname, bootTime))
}
