// Package kyc gates high-value offers and purchases on the actor's identity
// verification level.
package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
)

// Level is an identity verification tier.
type Level string

const (
	LevelNone     Level = "none"
	LevelDocument Level = "document"
	LevelFull     Level = "full"
)

func (l Level) rank() int {
	switch l {
	case LevelDocument:
		return 1
	case LevelFull:
		return 2
	default:
		return 0
	}
}

// Provider reports a user's verification level.
type Provider interface {
	VerificationLevel(ctx context.Context, userID string) (Level, error)
}

// StaticProvider serves levels from memory. Unknown users are LevelNone.
type StaticProvider struct {
	mu     sync.RWMutex
	levels map[string]Level
}

// NewStaticProvider creates a provider seeded with levels.
func NewStaticProvider(levels map[string]Level) *StaticProvider {
	p := &StaticProvider{levels: make(map[string]Level, len(levels))}
	for k, v := range levels {
		p.levels[k] = v
	}
	return p
}

// Set records a user's level.
func (p *StaticProvider) Set(userID string, level Level) {
	p.mu.Lock()
	p.levels[userID] = level
	p.mu.Unlock()
}

// VerificationLevel implements Provider.
func (p *StaticProvider) VerificationLevel(_ context.Context, userID string) (Level, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if l, ok := p.levels[userID]; ok {
		return l, nil
	}
	return LevelNone, nil
}

// HTTPProvider asks an external identity service:
// GET {base}/users/{id}/verification -> {"level": "document"}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider for baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// VerificationLevel implements Provider.
func (p *HTTPProvider) VerificationLevel(ctx context.Context, userID string) (Level, error) {
	u := p.baseURL + "/users/" + url.PathEscape(userID) + "/verification"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", &domain.GatewayError{Op: "kyc", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return LevelNone, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.GatewayError{Op: "kyc", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var body struct {
		Level Level `json:"level"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &domain.GatewayError{Op: "kyc", Err: fmt.Errorf("decode: %w", err)}
	}
	switch body.Level {
	case LevelNone, LevelDocument, LevelFull:
		return body.Level, nil
	default:
		return LevelNone, nil
	}
}

// Gate enforces amount ceilings per level. Amounts above NoneLimit need
// document verification; above DocumentLimit they need full. A zero limit
// disables that ceiling. A nil *Gate allows everything.
type Gate struct {
	provider      Provider
	noneLimit     int64
	documentLimit int64
}

// NewGate creates a gate.
func NewGate(provider Provider, noneLimit, documentLimit int64) *Gate {
	return &Gate{provider: provider, noneLimit: noneLimit, documentLimit: documentLimit}
}

// Required returns the level needed to transact amount.
func (g *Gate) Required(amount int64) Level {
	switch {
	case g.documentLimit > 0 && amount > g.documentLimit:
		return LevelFull
	case g.noneLimit > 0 && amount > g.noneLimit:
		return LevelDocument
	default:
		return LevelNone
	}
}

// Check returns a *domain.VerificationRequiredError when userID's level is
// below what amount requires. The provider is only consulted when a
// ceiling applies.
func (g *Gate) Check(ctx context.Context, userID string, amount int64) error {
	if g == nil || g.provider == nil {
		return nil
	}
	required := g.Required(amount)
	if required == LevelNone {
		return nil
	}
	current, err := g.provider.VerificationLevel(ctx, userID)
	if err != nil {
		return err
	}
	if current.rank() < required.rank() {
		return &domain.VerificationRequiredError{
			Required: string(required),
			Current:  string(current),
			Amount:   amount,
		}
	}
	return nil
}
