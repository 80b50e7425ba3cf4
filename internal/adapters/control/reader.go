// Package control feeds operator lines into the orchestrator.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

type LineHandler interface {
	HandleLine(line string) error
}

type lineResult struct {
	line string
	err  error
	eof  bool
}

// Run reads one command per line until EOF or ctx ends. Failed commands
// are logged by the handler and never stop the loop. EOF is not an error;
// the server keeps running without a control channel.
func Run(ctx context.Context, r io.Reader, h LineHandler) error {
	lines := make(chan lineResult)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- lineResult{line: sc.Text()}:
			case <-ctx.Done():
				return
			}
		}
		res := lineResult{eof: true, err: sc.Err()}
		select {
		case lines <- res:
		case <-ctx.Done():
		}
	}()

	log.Info().Str("module", "control").Msg("reading operator commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-lines:
			if res.eof {
				if res.err != nil {
					return fmt.Errorf("control channel: %w", res.err)
				}
				log.Warn().Str("module", "control").Msg("control channel closed")
				return nil
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			_ = h.HandleLine(line)
		}
	}
}
