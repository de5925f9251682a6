// Package mcpserver exposes the code safety engine over the Model Context
// Protocol.
//
// Three tools are registered with the mark3labs/mcp-go server:
// validate_code_security, quick_security_check and execute_code. Each
// returns its result as JSON text. The server runs over stdio or streamable
// HTTP depending on server.transport.
//
// Usage:
//
//	srv := mcpserver.New(cfg, logger, engine)
//	err := srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
