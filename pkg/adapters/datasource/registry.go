package datasource

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DocumentClientInfo describes a registered document client.
type DocumentClientInfo struct {
	Type         string       `json:"type"`         // "postgrest", "dynamodb", "memory"
	DisplayName  string       `json:"display_name"` // "Supabase PostgREST"
	Description  string       `json:"description"`
	Capabilities Capabilities `json:"-"`
}

// DocumentClientRegistration contains info + the factory for a document client.
type DocumentClientRegistration struct {
	Info    DocumentClientInfo
	Factory func(ctx context.Context, config map[string]any, logger *zap.Logger) (DocumentClient, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DocumentClientRegistration)
)

// Register is called by each document client's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg DocumentClientRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredClients returns info for all registered document clients, sorted by type.
func RegisteredClients() []DocumentClientInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]DocumentClientInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetRegistration returns the registration for a client type.
func GetRegistration(clientType string) (DocumentClientRegistration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[clientType]
	return reg, ok
}

// IsRegistered checks if a client type is available.
func IsRegistered(clientType string) bool {
	_, ok := GetRegistration(clientType)
	return ok
}
