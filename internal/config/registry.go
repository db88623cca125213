package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/callflow/pkg/provider/llm"
	"github.com/MrWong99/callflow/pkg/provider/stt"
	"github.com/MrWong99/callflow/pkg/provider/tts"
	"github.com/MrWong99/callflow/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is the name → constructor table for one provider kind.
type factories[E, P any] struct {
	kind string
	byID map[string]func(E) (P, error)
}

func newFactories[E, P any](kind string) factories[E, P] {
	return factories[E, P]{kind: kind, byID: make(map[string]func(E) (P, error))}
}

func (f factories[E, P]) create(name string, entry E) (P, error) {
	build, ok := f.byID[name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q (registered: %s)",
			ErrProviderNotRegistered, f.kind, name, strings.Join(f.names(), ", "))
	}
	p, err := build(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("%s/%s: %w", f.kind, name, err)
	}
	return p, nil
}

func (f factories[E, P]) names() []string {
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry turns the provider entries of a [Config] into live providers.
// cmd/callflow registers the built-in backends; tests register mocks.
// Registering a name twice replaces the earlier factory.
type Registry struct {
	mu  sync.RWMutex
	llm factories[ProviderEntry, llm.Provider]
	stt factories[ProviderEntry, stt.Provider]
	tts factories[TTSEntry, tts.Provider]
	vad factories[ProviderEntry, vad.Engine]
}

// NewRegistry returns a registry with no factories.
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[ProviderEntry, llm.Provider]("llm"),
		stt: newFactories[ProviderEntry, stt.Provider]("stt"),
		tts: newFactories[TTSEntry, tts.Provider]("tts"),
		vad: newFactories[ProviderEntry, vad.Engine]("vad"),
	}
}

func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	r.llm.byID[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	r.stt.byID[name] = factory
	r.mu.Unlock()
}

// RegisterTTS takes the full [TTSEntry] so factories see voice settings.
func (r *Registry) RegisterTTS(name string, factory func(TTSEntry) (tts.Provider, error)) {
	r.mu.Lock()
	r.tts.byID[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	r.vad.byID[name] = factory
	r.mu.Unlock()
}

// CreateLLM builds the LLM named by entry.Name. Factory errors are wrapped
// with the kind and name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry.Name, entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry.Name, entry)
}

func (r *Registry) CreateTTS(entry TTSEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry.Name, entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vad.create(entry.Name, entry)
}

// Names lists the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"llm": r.llm.names(),
		"stt": r.stt.names(),
		"tts": r.tts.names(),
		"vad": r.vad.names(),
	}
}
