package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/chainlog/internal/config"
	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/store"
)

// loadConfig resolves the configuration for a command: the --config file
// (or defaults), then flag overrides. It also installs the slog handler.
func loadConfig(opts *RootOptions, logOut io.Writer) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}

	setupLogging(logOut, cfg.Log, opts.Verbose)
	return cfg, nil
}

func setupLogging(w io.Writer, cfg config.LogConfig, verbose bool) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(cfg config.Config) (*store.Store, error) {
	slog.Debug("opening database", "path", cfg.Storage.Path)
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// newEngine builds the commit engine the configuration describes.
func newEngine(cfg config.Config, st *store.Store, opts ...engine.Option) (*engine.Engine, error) {
	v, err := cfg.Validator.Build()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build validator", err)
	}
	opts = append([]engine.Option{engine.WithLimits(cfg.Limits)}, opts...)
	return engine.New(st, v, opts...), nil
}

// recordView is the CLI rendering of a record.
type recordView struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value"`
	Version string `json:"version"`
}

func toRecordView(r ir.Record) recordView {
	return recordView{Key: r.Key, Value: r.Value, Version: r.Version.Hex()}
}

// entryView is the CLI rendering of a log entry, with the mutation decoded.
type entryView struct {
	Seq          int64        `json:"seq"`
	Hash         string       `json:"hash"`
	MutationHash string       `json:"mutation_hash"`
	ChainHash    string       `json:"chain_hash"`
	Timestamp    time.Time    `json:"timestamp"`
	Metadata     []byte       `json:"metadata"`
	Records      []recordView `json:"records"`
}

func toEntryView(e ir.CommittedTransaction) (entryView, error) {
	m, err := e.Transaction.DecodeMutation()
	if err != nil {
		return entryView{}, err
	}
	v := entryView{
		Seq:          e.Seq,
		Hash:         e.Hash.Hex(),
		MutationHash: e.MutationHash.Hex(),
		ChainHash:    e.ChainHash.Hex(),
		Timestamp:    e.Transaction.Timestamp,
		Metadata:     e.Transaction.Metadata,
		Records:      make([]recordView, len(m.Records)),
	}
	for i, w := range m.Records {
		v.Records[i] = recordView{Key: w.Key, Value: w.Value, Version: w.Version.Hex()}
	}
	return v, nil
}

// line renders an entry as one line of text.
func (v entryView) line() string {
	return fmt.Sprintf("#%d %s %s %s",
		v.Seq, short(v.Hash), v.Timestamp.UTC().Format(time.RFC3339), count(len(v.Records), "record"))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	if hash == "" {
		return "empty"
	}
	return hash
}
