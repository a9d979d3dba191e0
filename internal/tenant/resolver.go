package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotAuthorized = errors.New("tenant not authorized")

// Tenant holds the connection parameters for one tenant database.
type Tenant struct {
	TenantID string
	ConnStr  string
}

// Resolver maps a tenant id plus API key to that tenant's database
// connection parameters. Keys are stored hashed; the raw key never touches
// the registry.
type Resolver struct {
	pool *pgxpool.Pool
}

func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// HashAPIKey is the canonical key digest used by the registry.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the tenant's connection parameters, or ErrNotAuthorized
// for an unknown tenant, a disabled tenant, or a key mismatch. The caller
// cannot distinguish those cases.
func (r *Resolver) Resolve(ctx context.Context, tenantID, apiKey string) (*Tenant, error) {
	if tenantID == "" || apiKey == "" {
		return nil, ErrNotAuthorized
	}

	var storedHash, connStr string
	err := r.pool.QueryRow(ctx, `
		SELECT api_key_hash, conn_str
		FROM tenants
		WHERE tenant_id = $1 AND enabled
	`, tenantID).Scan(&storedHash, &connStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashAPIKey(apiKey))) != 1 {
		return nil, ErrNotAuthorized
	}
	return &Tenant{TenantID: tenantID, ConnStr: connStr}, nil
}

// Upsert registers or updates a tenant. Used by provisioning tooling and
// tests.
func (r *Resolver) Upsert(ctx context.Context, tenantID, apiKey, connStr string, enabled bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (tenant_id, api_key_hash, conn_str, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET api_key_hash = EXCLUDED.api_key_hash,
		    conn_str = EXCLUDED.conn_str,
		    enabled = EXCLUDED.enabled,
		    updated_at = NOW()
	`, tenantID, HashAPIKey(apiKey), connStr, enabled)
	if err != nil {
		return fmt.Errorf("upsert tenant %s: %w", tenantID, err)
	}
	return nil
}
