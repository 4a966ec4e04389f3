package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
)

// Error codes that are not commit outcomes.
const (
	codeNotFound   = "NOT_FOUND"
	codeBadRequest = "BAD_REQUEST"
)

type submitRequest struct {
	Mutation []byte `json:"mutation"`
	Metadata []byte `json:"metadata,omitempty"`
}

type submitResponse struct {
	TransactionHash string `json:"transaction_hash"`
	MutationHash    string `json:"mutation_hash"`
	Seq             int64  `json:"seq"`
}

type recordJSON struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value"`
	Version string `json:"version"`
}

type transactionJSON struct {
	Seq          int64     `json:"seq"`
	Hash         string    `json:"hash"`
	MutationHash string    `json:"mutation_hash"`
	ChainHash    string    `json:"chain_hash"`
	Mutation     []byte    `json:"mutation"`
	Metadata     []byte    `json:"metadata"`
	Timestamp    time.Time `json:"timestamp"`
	Raw          []byte    `json:"raw"`
}

type headJSON struct {
	Status    string `json:"status"`
	Head      int64  `json:"head"`
	ChainHash string `json:"chain_hash"`
}

type errorBody struct {
	Error errorJSON `json:"error"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Key     []byte `json:"key,omitempty"`
}

func toRecordJSON(r ir.Record) recordJSON {
	return recordJSON{Key: r.Key, Value: r.Value, Version: r.Version.Hex()}
}

func toTransactionJSON(e ir.CommittedTransaction) transactionJSON {
	return transactionJSON{
		Seq:          e.Seq,
		Hash:         e.Hash.Hex(),
		MutationHash: e.MutationHash.Hex(),
		ChainHash:    e.ChainHash.Hex(),
		Mutation:     e.Transaction.Mutation,
		Metadata:     e.Transaction.Metadata,
		Timestamp:    e.Transaction.Timestamp,
		Raw:          e.Raw,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorJSON{Code: code, Message: message}})
}

// writeCommitError maps a commit outcome to its HTTP status.
func writeCommitError(w http.ResponseWriter, err error) {
	var ce *engine.CommitError
	if !errors.As(err, &ce) {
		writeError(w, http.StatusInternalServerError, string(engine.ErrCodeStoreUnavailable), err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch ce.Code {
	case engine.ErrCodeConflict:
		status = http.StatusConflict
	case engine.ErrCodeRuleViolation:
		status = http.StatusUnprocessableEntity
	case engine.ErrCodeMalformed:
		status = http.StatusBadRequest
	case engine.ErrCodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: errorJSON{
		Code:    string(ce.Code),
		Message: ce.Message,
		Key:     ce.Key,
	}})
}
