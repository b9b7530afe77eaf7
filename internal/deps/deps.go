package deps

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"pinentrybox/internal/config"
	"pinentrybox/internal/launcher"
)

// Requirement defines an external program pinentry-box relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	// Resolved is the absolute path the launcher would execute.
	Resolved string
	Detail   string
}

// Requirements lists the programs a configuration depends on.
func Requirements(cfg *config.Config) []Requirement {
	reqs := []Requirement{
		{Name: "Shell", Command: "/bin/sh", Description: "detaches the helper from the caller"},
	}
	if cfg == nil {
		return reqs
	}
	reqs = append(reqs, Requirement{
		Name:        "Helper",
		Command:     cfg.Pinentry.ProgramPath,
		Description: "serves the pinentry socket",
	})
	reqs = append(reqs, Requirement{
		Name:        "Fallback",
		Command:     cfg.Server.Fallback,
		Description: "pinentry that other commands are forwarded to",
		Optional:    true,
	})
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
// Resolution follows the same rules the launcher applies before spawning.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := launcher.Resolve(launcher.Spec{Executable: cmd})
		if err != nil {
			status.Available = false
			if errors.Is(err, exec.ErrNotFound) {
				status.Detail = fmt.Sprintf("binary %q not found", cmd)
			} else {
				status.Detail = err.Error()
			}
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Resolved = resolved
		results = append(results, status)
	}
	return results
}

// Missing returns the names of unavailable required dependencies.
func Missing(statuses []Status) []string {
	var names []string
	for _, status := range statuses {
		if !status.Available && !status.Optional {
			names = append(names, status.Name)
		}
	}
	return names
}
