// axiomhive-sidecar is the verified reasoning process. It speaks the framed
// JSON protocol over stdin/stdout and nothing else: no network, no filesystem,
// no state between requests. The supervisor verifies this binary's SHA-256
// digest before ever launching it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"axiomhive/internal/protocol"
	"axiomhive/internal/search"
)

const version = "1.0.0"

func main() {
	if err := serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sidecar: %v\n", err)
		os.Exit(1)
	}
}

func serve(r io.Reader, w io.Writer) error {
	for {
		var req protocol.Request
		if err := protocol.ReadFrame(r, &req); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		resp := handle(req)
		if err := protocol.WriteFrame(w, resp); err != nil {
			return err
		}
		if req.Op == protocol.OpQuit {
			return nil
		}
	}
}

func handle(req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpHandshake:
		return ok(req.ID, protocol.HandshakeReply{
			Version:    version,
			AngleCount: search.AngleCount(),
		})

	case protocol.OpDecompose:
		var dr protocol.DecomposeRequest
		if err := json.Unmarshal(req.Payload, &dr); err != nil {
			return fail(req.ID, fmt.Sprintf("malformed decompose payload: %v", err))
		}
		branches := search.Decompose(search.Query{ID: dr.QueryID, RawText: dr.RawText})
		reply := protocol.DecomposeReply{QueryID: dr.QueryID}
		for _, b := range branches {
			reply.Branches = append(reply.Branches, protocol.BranchPlan{
				Label:       b.Label,
				SubQuestion: b.SubQuestion,
			})
		}
		return ok(req.ID, reply)

	case protocol.OpQuit:
		return protocol.Response{ID: req.ID, OK: true}

	default:
		return fail(req.ID, fmt.Sprintf("unknown operation %q", req.Op))
	}
}

func ok(id string, payload interface{}) protocol.Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fail(id, fmt.Sprintf("encode reply: %v", err))
	}
	return protocol.Response{ID: id, OK: true, Payload: raw}
}

func fail(id, msg string) protocol.Response {
	return protocol.Response{ID: id, OK: false, Error: msg}
}
