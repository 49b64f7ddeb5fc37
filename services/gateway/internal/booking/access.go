package booking

import (
	"context"
	"time"

	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/pkg/kv"
)

const operatorKeyPrefix = "operator:"

// OperatorAccess decides whether a principal may see every booking. The
// decision is cached in local storage under operator:<principalID>.
type OperatorAccess struct {
	kv  kv.Store
	ttl time.Duration
}

// NewOperatorAccess builds the access check. A nil store disables caching.
func NewOperatorAccess(store kv.Store, ttl time.Duration) *OperatorAccess {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OperatorAccess{kv: store, ttl: ttl}
}

// Allowed reports operator access for p.
func (a *OperatorAccess) Allowed(ctx context.Context, p domain.Principal) bool {
	if a == nil || a.kv == nil {
		return p.IsOperator()
	}
	key := operatorKeyPrefix + p.ID
	if v, ok, err := a.kv.Get(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("operator flag read failed", "user_id", p.ID, "err", err)
	} else if ok {
		return v == "1"
	}
	allowed := p.IsOperator()
	flag := "0"
	if allowed {
		flag = "1"
	}
	if err := a.kv.Set(ctx, key, flag, a.ttl); err != nil {
		util.LoggerFromContext(ctx).Warn("operator flag write failed", "user_id", p.ID, "err", err)
	}
	return allowed
}

// Forget drops the cached flag, e.g. after a role change.
func (a *OperatorAccess) Forget(ctx context.Context, principalID string) {
	if a == nil || a.kv == nil || principalID == "" {
		return
	}
	if err := a.kv.Delete(ctx, operatorKeyPrefix+principalID); err != nil {
		util.LoggerFromContext(ctx).Warn("operator flag delete failed", "user_id", principalID, "err", err)
	}
}
