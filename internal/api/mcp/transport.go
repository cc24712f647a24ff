package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
)

// StdioTransport bridges an MCP Server to a client speaking line-delimited
// JSON-RPC 2.0 over stdin/stdout. Framing rules: one request per
// newline-terminated line in, one response per newline-terminated line out,
// and nothing else ever touches stdout — all diagnostics go to stderr, or
// the framing breaks.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// maxLineBytes bounds a single request line. Bulk stores of chunked
// documents produce large frames, so the scanner buffer is generous.
const maxLineBytes = 4 * 1024 * 1024

// NewStdioTransport constructs a transport reading from in and writing to
// out. Pass os.Stdin / os.Stdout for real stdio:
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: log.New(os.Stderr, "keepsake-mcp: ", log.LstdFlags),
	}
}

// Serve processes requests until stdin closes or ctx is cancelled. Requests
// are handled one at a time in arrival order; the MCP protocol does not
// require transport-level concurrency.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	for {
		select {
		case <-ctx.Done():
			t.logger.Println("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.logger.Printf("stdin scanner error: %v", err)
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Println("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			// HandleRequest normally encodes failures as JSON-RPC error
			// frames itself; a returned error means even that failed, so
			// synthesize a frame to keep the stream alive.
			t.logger.Printf("handler error: %v", err)
			resp = t.internalErrorResponse(line, err)
		}

		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			t.logger.Printf("write error: %v", err)
			return fmt.Errorf("write response: %w", err)
		}

		// A shutdown signal may have arrived during a slow handler.
		select {
		case <-ctx.Done():
			t.logger.Println("context cancelled after handler, shutting down")
			return ctx.Err()
		default:
		}
	}
}

// internalErrorResponse builds a best-effort error frame when the server
// could not produce one, recovering the request ID from the raw bytes so
// the client can correlate it.
func (t *StdioTransport) internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
