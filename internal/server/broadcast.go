package server

import (
	"log"

	"github.com/vldKasatonov/UChat-sub000/pkg/protocol"
)

// fanOut writes the push to every online recipient except the excluded
// user. Offline recipients are skipped; a recipient whose outbound queue
// rejects the line is logged and skipped, never aborting delivery to the
// rest.
func fanOut(reg *Registry, job *broadcastJob) {
	line, err := protocol.EncodeResponse(job.resp)
	if err != nil {
		log.Printf("encode %s push: %v", job.resp.Type, err)
		return
	}

	for _, userID := range job.targets {
		if userID == job.exclude {
			continue
		}
		sender, ok := reg.Lookup(userID)
		if !ok {
			continue // offline, push is dropped
		}
		if !sender.Send(line) {
			log.Printf("drop %s push to user %d: outbound queue full", job.resp.Type, userID)
		}
	}
}
