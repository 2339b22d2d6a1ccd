// Package mcpio serves the tool vocabulary over a line-delimited JSON
// stdio transport for agent hosts that spawn the service as a subprocess.
// Each input line is one request; each output line is one envelope.
package mcpio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opskb-backend/internal/tools"
	"opskb-backend/pkg/api"
	"opskb-backend/pkg/errors"
)

const maxLineBytes = 1 << 20

// Request is one stdio tool invocation.
type Request struct {
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Server reads requests line by line and writes one envelope per line.
type Server struct {
	dispatcher *tools.Dispatcher
	logger     *zap.Logger
}

// NewServer creates the stdio server.
func NewServer(dispatcher *tools.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{dispatcher: dispatcher, logger: logger.With(zap.String("component", "mcpio"))}
}

// Run serves until the input stream closes or the context is cancelled.
// Malformed lines produce an error envelope and the loop continues; only
// transport failures end the session.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	encoder := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			failure := api.Failure(
				errors.NewValidation(fmt.Sprintf("malformed request line: %v", err)),
				api.Metadata{CorrelationID: uuid.NewString()})
			if encodeErr := encoder.Encode(failure); encodeErr != nil {
				return encodeErr
			}
			continue
		}
		if req.CorrelationID == "" {
			req.CorrelationID = uuid.NewString()
		}

		resp := s.dispatcher.Dispatch(ctx, req.Tool, req.Arguments, req.CorrelationID)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdio request: %w", err)
	}
	s.logger.Info("stdio session closed")
	return nil
}
