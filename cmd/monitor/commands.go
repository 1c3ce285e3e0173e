package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// command is one POST the monitor sends on behalf of the operator.
type command struct {
	path string
	body any
	// label is shown in the status bar once the request succeeds.
	label string
}

const commandHelp = "enqueue <type> [priority] [capability] | cancel|retry|requeue|verify <task> | priority <task> <n> | activate|deactivate|deregister|heartbeat <agent> | strategy <name> | sweep"

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]

	switch verb {
	case "enqueue", "add":
		if len(args) == 0 || len(args) > 3 {
			return command{}, fmt.Errorf("usage: enqueue <type> [priority] [capability]")
		}
		spec := map[string]any{"type": args[0]}
		if len(args) > 1 {
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return command{}, fmt.Errorf("priority must be an integer: %q", args[1])
			}
			spec["priority"] = p
		}
		if len(args) > 2 {
			spec["required_capability"] = args[2]
		}
		return command{path: "/tasks", body: spec, label: "enqueued " + args[0]}, nil

	case "cancel", "retry", "requeue", "verify":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s <task-id>", verb)
		}
		return command{path: taskPath(args[0], verb), label: verb + " " + args[0]}, nil

	case "priority":
		if len(args) != 2 {
			return command{}, fmt.Errorf("usage: priority <task-id> <n>")
		}
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return command{}, fmt.Errorf("priority must be an integer: %q", args[1])
		}
		return command{path: taskPath(args[0], "priority"), body: map[string]any{"priority": p}, label: "reprioritized " + args[0]}, nil

	case "activate", "deactivate", "deregister", "heartbeat":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: %s <agent-id>", verb)
		}
		return command{path: "/agents/" + url.PathEscape(args[0]) + "/" + verb, label: verb + " " + args[0]}, nil

	case "strategy":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: strategy <round_robin|least_loaded|capability_match>")
		}
		return command{path: "/strategy", body: map[string]any{"strategy": args[0]}, label: "strategy " + args[0]}, nil

	case "sweep", "maintenance":
		if len(args) != 0 {
			return command{}, fmt.Errorf("usage: sweep")
		}
		return command{path: "/maintenance", label: "maintenance pass"}, nil
	}
	return command{}, fmt.Errorf("unknown command %q (%s)", verb, commandHelp)
}

func taskPath(taskID, action string) string {
	return "/tasks/" + url.PathEscape(taskID) + "/" + action
}
