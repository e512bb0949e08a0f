package main

import (
	"ftpserver/server"
)

// runHidden dispatches the re-exec entry points the broker spawns: the
// per-transfer data worker and the guarded filesystem probe. Both run under
// the authenticated uid, inherited from the parent's Credential setup.
func runHidden(args []string) (code int, handled bool) {
	if len(args) < 2 {
		return 0, false
	}
	switch args[1] {
	case server.WorkerCommand:
		return server.RunWorkerProcess(), true
	case server.FSOpCommand:
		return server.RunFSOpProcess(args[2:]), true
	}
	return 0, false
}
