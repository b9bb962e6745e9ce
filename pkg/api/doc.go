// Package api defines the core wire types for the datachat analysis gateway.
//
// This package provides all data types exchanged at the HTTP boundary and
// between the orchestration components: chat requests and responses, file
// descriptors, query classifications, code artifacts, execution results,
// error types, and ID generation.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O.
//
// Core types:
//   - [ChatRequest] / [ChatResponse]: the inbound chat contract
//   - [FileDescriptor]: an uploaded file registered with a session
//   - [QueryClassification]: routing decision for one message
//   - [CodeArtifact]: a validated, executable snippet from the generation loop
//   - [ExecutionResult]: the terminal outcome of one sandbox execution attempt
//   - [APIError]: structured error with type, code, param, and message
package api
