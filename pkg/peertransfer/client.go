package peertransfer

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/vine-worker/pkg/transport"
	"github.com/cuemby/vine-worker/pkg/wireproto"
)

// Fetch pulls a cache entry named remoteName from the peer transfer
// server at addr ("host:port") into localDest, the client half of §4.10.
// cache's materializer calls this for worker:// TRANSFER entries instead
// of shelling out to curl.
func Fetch(addr, password, remoteName, localDest string, timeout time.Duration) error {
	raw, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("peertransfer: dial %s: %w", addr, err)
	}
	defer raw.Close()
	conn := transport.New(raw)
	stop := time.Now().Add(timeout)

	if password != "" {
		if err := conn.Authenticate(password, stop); err != nil {
			return fmt.Errorf("peertransfer: auth: %w", err)
		}
	}

	req := wireproto.Message{Verb: wireproto.VerbGet, Name: remoteName}
	if err := conn.WriteLinef(stop, "%s", req.Encode()); err != nil {
		return fmt.Errorf("peertransfer: send get: %w", err)
	}

	line, err := conn.ReadLine(stop)
	if err != nil {
		return fmt.Errorf("peertransfer: read reply: %w", err)
	}
	msg, parseErr := wireproto.Parse(line)
	if parseErr != nil {
		return fmt.Errorf("peertransfer: %s: %s", remoteName, line)
	}

	switch msg.Verb {
	case wireproto.VerbFile:
		out, err := os.OpenFile(localDest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(msg.Mode))
		if err != nil {
			return fmt.Errorf("peertransfer: create %s: %w", localDest, err)
		}
		streamErr := conn.StreamToWriter(out, msg.Size, stop)
		closeErr := out.Close()
		if streamErr != nil {
			_ = os.Remove(localDest)
			return fmt.Errorf("peertransfer: stream %s: %w", remoteName, streamErr)
		}
		return closeErr

	case wireproto.VerbDir:
		if err := os.MkdirAll(localDest, 0755); err != nil {
			return fmt.Errorf("peertransfer: mkdir %s: %w", localDest, err)
		}
		if err := conn.SetDeadline(stop); err != nil {
			return err
		}
		return wireproto.ReadTree(conn.Reader(), localDest)

	default:
		return fmt.Errorf("peertransfer: %s: %s", remoteName, line)
	}
}
