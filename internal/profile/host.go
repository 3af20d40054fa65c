package profile

import (
	"os/exec"
	"strings"
)

type Mode string

const (
	ModeDev      Mode = "dev"
	ModePackaged Mode = "packaged"
)

// DefaultTools are looked up on PATH once when a HostContext is built.
var DefaultTools = []string{"node", "npm", "npx"}

// HostContext carries facts about the host that are computed once and
// shared by every profile built from it.
type HostContext struct {
	Mode         Mode
	ResourcesDir string
	DataDir      string
	LogDir       string
	// Tools maps a tool name to its absolute path; missing tools map to "".
	Tools map[string]string
}

// NewHostContext resolves each tool with exec.LookPath exactly once.
func NewHostContext(mode Mode, resourcesDir, dataDir, logDir string, tools ...string) HostContext {
	if len(tools) == 0 {
		tools = DefaultTools
	}
	h := HostContext{
		Mode:         mode,
		ResourcesDir: resourcesDir,
		DataDir:      dataDir,
		LogDir:       logDir,
		Tools:        make(map[string]string, len(tools)),
	}
	for _, t := range tools {
		p, err := exec.LookPath(t)
		if err != nil {
			p = ""
		}
		h.Tools[t] = p
	}
	return h
}

// Tool returns the cached path of name.
func (h HostContext) Tool(name string) (string, bool) {
	p, ok := h.Tools[name]
	return p, ok && p != ""
}

// Expand substitutes ${RESOURCES}, ${DATA} and ${LOGS}.
func (h HostContext) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return strings.NewReplacer(
		"${RESOURCES}", h.ResourcesDir,
		"${DATA}", h.DataDir,
		"${LOGS}", h.LogDir,
	).Replace(s)
}
