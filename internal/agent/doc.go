// Package agent owns the agent lifecycle: turning a creation request into a
// character configuration with a fresh wallet identity, persisting it, and
// handing the workflow graph to the dispatcher once the runtime has loaded it.
package agent
