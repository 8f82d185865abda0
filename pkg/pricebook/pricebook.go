// Package pricebook maps resource usage to cost. Rates come from a YAML rate
// card and are fixed-point minor units per unit of quantity; the book can be
// reloaded at runtime without locking readers.
package pricebook

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/caracal-sh/caracal/pkg/urn"
)

// ErrUnknownResource is returned when no rate covers the resource.
var ErrUnknownResource = errors.New("pricebook: unknown resource")

// Rate prices one resource pattern. Patterns use the URN wildcard grammar,
// so "openai:gpt-4:*" prices every gpt-4 operation at once.
type Rate struct {
	Resource      string `yaml:"resource"`
	UnitCostMinor int64  `yaml:"unit_cost_minor"`
	Currency      string `yaml:"currency"`
}

type rateCard struct {
	Rates []Rate `yaml:"rates"`
}

// Book is an immutable-snapshot price list. Price reads go through an atomic
// pointer, so Reload never blocks the metering hot path.
type Book struct {
	card atomic.Pointer[rateCard]
	path string
}

// Load reads the rate card at path.
func Load(path string) (*Book, error) {
	b := &Book{path: path}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewStatic builds a book from in-memory rates, used by tests and defaults.
func NewStatic(rates []Rate) *Book {
	b := &Book{}
	b.card.Store(&rateCard{Rates: rates})
	return b
}

// Reload re-reads the rate card and swaps it in atomically. A parse failure
// leaves the previous card in place.
func (b *Book) Reload() error {
	if b.path == "" {
		return errors.New("pricebook: no file backing this book")
	}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read rate card: %w", err)
	}
	var card rateCard
	if err := yaml.Unmarshal(raw, &card); err != nil {
		return fmt.Errorf("parse rate card: %w", err)
	}
	for _, r := range card.Rates {
		if r.UnitCostMinor < 0 {
			return fmt.Errorf("parse rate card: negative unit cost for %q", r.Resource)
		}
		if r.Currency == "" {
			return fmt.Errorf("parse rate card: missing currency for %q", r.Resource)
		}
	}
	b.card.Store(&card)
	return nil
}

// Price returns the cost of quantity units of resource in minor units plus
// the ISO currency code. First matching rate wins, so order specific rates
// before wildcard catch-alls.
func (b *Book) Price(resource string, quantity int64) (int64, string, error) {
	card := b.card.Load()
	if card == nil {
		return 0, "", ErrUnknownResource
	}
	for _, r := range card.Rates {
		if urn.Match(r.Resource, resource) {
			return r.UnitCostMinor * quantity, r.Currency, nil
		}
	}
	return 0, "", fmt.Errorf("%w: %s", ErrUnknownResource, resource)
}
