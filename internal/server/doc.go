// Package server exposes the ledger over HTTP.
//
// Submissions go through the commit engine; reads go straight to the store.
// Committed transactions are pushed to websocket clients on /stream when a
// stream hub is configured.
//
// Byte strings (keys, values, metadata, raw transactions) travel as standard
// base64. Hashes travel as lowercase hex, with "" for a never-written record.
package server
