// Package account resolves API keys to accounts configured for the service.
package account

import (
	"crypto/sha256"
	"fmt"

	"github.com/struktr-app/parser/internal/admission"
)

type Account struct {
	ID            string
	Name          string
	Plan          admission.Plan
	WebhookSecret string
}

// Config is one configured account.
type Config struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Plan          string   `yaml:"plan"`
	APIKeys       []string `yaml:"api_keys"`
	WebhookSecret string   `yaml:"webhook_secret"`
}

// Registry is an immutable index of accounts by id and API key.
type Registry struct {
	byID  map[string]*Account
	byKey map[[sha256.Size]byte]*Account
}

func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]*Account, len(configs)),
		byKey: make(map[[sha256.Size]byte]*Account),
	}
	for i, c := range configs {
		if c.ID == "" {
			return nil, fmt.Errorf("account %d: id is required", i)
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("account %s: duplicate id", c.ID)
		}
		if len(c.APIKeys) == 0 {
			return nil, fmt.Errorf("account %s: at least one api key is required", c.ID)
		}
		plan := admission.Plan(c.Plan)
		if plan == "" {
			plan = admission.PlanFree
		}
		acct := &Account{ID: c.ID, Name: c.Name, Plan: plan, WebhookSecret: c.WebhookSecret}
		r.byID[c.ID] = acct

		for _, key := range c.APIKeys {
			h := sha256.Sum256([]byte(key))
			if _, dup := r.byKey[h]; dup {
				return nil, fmt.Errorf("account %s: api key already assigned", c.ID)
			}
			r.byKey[h] = acct
		}
	}
	return r, nil
}

// Authenticate returns the account owning apiKey.
func (r *Registry) Authenticate(apiKey string) (*Account, bool) {
	if apiKey == "" {
		return nil, false
	}
	acct, ok := r.byKey[sha256.Sum256([]byte(apiKey))]
	return acct, ok
}

func (r *Registry) Get(id string) (*Account, bool) {
	acct, ok := r.byID[id]
	return acct, ok
}

// WebhookSecret implements the dispatcher's secret lookup.
func (r *Registry) WebhookSecret(accountID string) (string, bool) {
	acct, ok := r.byID[accountID]
	if !ok || acct.WebhookSecret == "" {
		return "", false
	}
	return acct.WebhookSecret, true
}
