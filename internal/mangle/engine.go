// Package mangle keeps a deductive journal of the reply pipeline. Every
// attachment, lock, relay attempt and reply batch is recorded as a fact, and
// the embedded rules derive higher-level conditions (stale batches, messages
// the relay keeps failing on) that can be queried or watched.
package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"hoverreply/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed journal.mg
var builtinRules string

// Fact is one journal entry.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// defaultLowValuePredicates returns predicates that can be sampled under load.
// Locks, relay attempts and batches are never sampled.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		"message_attached":  true, // one per element on busy channels
		"message_extracted": true,
	}
}

// WatchEvent is emitted when a watched predicate has derived facts.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine wraps the Mangle deductive database.
type Engine struct {
	cfg          config.MangleConfig
	mu           sync.RWMutex
	schemaLoaded bool

	// source is the full program text; rules added at runtime are appended.
	source      string
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// Fact buffer for temporal queries
	facts []Fact
	index map[string][]int

	samplingRate       float64
	predicateCounts    map[string]int
	lowValuePredicates map[string]bool

	subscriptions map[string][]chan WatchEvent
	subMu         sync.RWMutex
}

// NewEngine builds an engine with the builtin journal rules plus the optional
// project rule file named by cfg.SchemaPath.
func NewEngine(cfg config.MangleConfig) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		facts:              make([]Fact, 0, cfg.FactBufferLimit),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		predicateCounts:    make(map[string]int),
		lowValuePredicates: defaultLowValuePredicates(),
		subscriptions:      make(map[string][]chan WatchEvent),
	}

	if !cfg.Enable {
		return e, nil
	}

	var src strings.Builder
	if !cfg.DisableBuiltin {
		src.WriteString(builtinRules)
	}
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		src.WriteString("\n")
		src.Write(data)
	}
	if strings.TrimSpace(src.String()) == "" {
		return e, nil
	}
	if err := e.LoadSchema(src.String()); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSchema replaces the program with source, parsed and analyzed.
func (e *Engine) LoadSchema(source string) error {
	programInfo, err := analyze(source)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.source = source
	e.programInfo = programInfo
	e.schemaLoaded = true
	return nil
}

func analyze(source string) (*analysis.ProgramInfo, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze schema: %w", err)
	}
	return programInfo, nil
}

// AddRule appends rules to the program. The whole program is re-analyzed so
// the new rules may refer to journal predicates and derive from existing facts
// on the next evaluation.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	combined := e.source + "\n" + ruleSource
	programInfo, err := analyze(combined)
	if err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	e.source = combined
	e.programInfo = programInfo
	e.schemaLoaded = true

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return fmt.Errorf("eval program after rule insertion: %w", err)
	}
	return nil
}

// AddFacts appends facts to the temporal buffer and the store, then
// re-evaluates the program. Low-value facts are sampled when the buffer fills.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAcceptFact(f) {
			if f.Timestamp.IsZero() {
				f.Timestamp = time.Now()
			}
			filtered = append(filtered, f)
			e.predicateCounts[f.Predicate]++
		}
	}

	baseIdx := len(e.facts)
	e.facts = append(e.facts, filtered...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trimCount := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trimCount:]
		e.rebuildIndex()
	} else {
		for i, f := range filtered {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range filtered {
		e.store.Add(e.factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			log.Printf("[mangle] eval failed: %v", err)
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
		e.checkAndNotifyWatchers()
	}

	return nil
}

func (e *Engine) checkAndNotifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		derived := e.collect(predicate)
		if len(derived) > 0 {
			e.notifySubscribers(predicate, derived)
		}
	}
}

// collect returns every stored fact of predicate. Callers hold mu.
func (e *Engine) collect(predicate string) []Fact {
	arity := -1
	if e.programInfo != nil {
		for sym := range e.programInfo.Decls {
			if sym.Symbol == predicate {
				arity = sym.Arity
				break
			}
		}
	}

	queryAtom := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}}
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom.Args = args
	}

	var out []Fact
	_ = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		out = append(out, e.atomToFact(atom))
		return nil
	})
	return out
}

// updateSamplingRate adjusts sampling based on buffer pressure.
func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}

	fillRatio := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)

	switch {
	case fillRatio < 0.5:
		e.samplingRate = 1.0
	case fillRatio < 0.7:
		e.samplingRate = 0.8
	case fillRatio < 0.85:
		e.samplingRate = 0.5
	case fillRatio < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] {
		return true
	}
	if e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current adaptive sampling rate.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Subscribe registers ch to receive the facts of predicate after every
// evaluation that yields any. Sends never block; a full channel misses events.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from the subscribers of predicate. The caller may
// close ch once it returns.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	channels := e.subscriptions[predicate]
	for i, c := range channels {
		if c == ch {
			e.subscriptions[predicate] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

// notifySubscribers sends while holding subMu so that once Unsubscribe
// returns no send to the removed channel is still pending.
func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	channels := e.subscriptions[predicate]
	if len(channels) == 0 || len(facts) == 0 {
		return
	}

	event := WatchEvent{
		Predicate: predicate,
		Facts:     facts,
		Timestamp: time.Now(),
	}

	for _, ch := range channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// WatchPredicates returns the predicates that have active subscriptions.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	predicates := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			predicates = append(predicates, p)
		}
	}
	return predicates
}

// Query runs a single-atom query such as `stale_batch(M, H).` and returns the
// variable bindings of every matching fact. When the store has nothing for the
// atom the temporal buffer is searched directly.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	queryStr = strings.TrimSpace(queryStr)
	if queryStr != "" && !strings.HasSuffix(queryStr, ".") {
		queryStr += "."
	}
	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := sourceUnit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok && varArg.Symbol != "_" {
				result[varArg.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.queryBufferDirect(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

func (e *Engine) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)

	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, qArg := range queryArgs {
			switch arg := qArg.(type) {
			case ast.Variable:
				if arg.Symbol != "_" {
					result[arg.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprintf("%v", normalize(f.Args[i])) != fmt.Sprintf("%v", convertConstant(arg)) {
					matches = false
				}
			}
			if !matches {
				break
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// Evaluate runs the program and returns every fact of predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return e.collect(predicate), nil
}

// QueryTemporal returns buffered facts of predicate strictly inside the window.
// Zero bounds are open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns the buffered facts of predicate.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	return e.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine can answer queries.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func (e *Engine) atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

// normalize maps a buffered Go value to what the store would hand back.
func normalize(v interface{}) interface{} {
	return convertConstant(toConstant(v))
}

func convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}

	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			if val, err := term.NumberValue(); err == nil {
				return val
			}
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
