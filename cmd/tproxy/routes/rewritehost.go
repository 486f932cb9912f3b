package routes

import (
	"bytes"
	"io"

	"github.com/tproxy/tproxy/internal/pipe"
	"github.com/tproxy/tproxy/internal/route"
)

// RewriteHost waits for the end of the header block like HostRouter, then
// forwards to Remote (or DefaultBackend when Remote is not a Forward
// decision) without looking up the Host header. It also rewrites the
// first occurrence of an old Host header to a new one on the way to the
// upstream, demonstrating the request-side rewrite hook.
type RewriteHost struct {
	Remote  route.Decision
	OldHost []byte
	NewHost []byte
}

func (s *RewriteHost) oldHost() []byte {
	if s.OldHost != nil {
		return s.OldHost
	}
	return []byte("Host: old")
}

func (s *RewriteHost) newHost() []byte {
	if s.NewHost != nil {
		return s.NewHost
	}
	return []byte("Host: new")
}

func (s *RewriteHost) Decide(data []byte) (route.Decision, error) {
	if !bytes.Contains(data, headerEnd) {
		return route.Decision{Kind: route.NeedMore}, nil
	}
	if s.Remote.Kind == route.Forward {
		return s.Remote, nil
	}
	return route.Decision{Kind: route.Forward, Remote: DefaultBackend}, nil
}

// RewriteRequest replaces the first occurrence of OldHost with NewHost in
// whichever chunk it first appears, then relays everything else
// unchanged (spec §8, S5).
func (s *RewriteHost) RewriteRequest(p *pipe.Pipe) error {
	buf := make([]byte, 8192)
	rewritten := false
	for {
		n, err := p.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !rewritten {
				if replaced := bytes.Replace(chunk, s.oldHost(), s.newHost(), 1); !bytes.Equal(replaced, chunk) {
					chunk = replaced
					rewritten = true
				}
			}
			if werr := p.WriteAll(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
