// Package engine orchestrates a chat turn: classify the message, route it
// to the tabular, document, or research path, and assemble the response.
//
// The engine holds the session lock for the whole turn, so queries against
// one session never interleave. Every path that produces analytical claims
// grounds them in verified material: executed code output or extracted
// document text. Synthesis failures degrade to the raw material rather
// than failing the turn.
package engine
