package rpc

import (
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/0xPolygon/exportbridge/rpc/types"
	"github.com/ethereum/go-ethereum/common"
)

const defaultMaxRequestAge = 5 * time.Minute

var (
	ErrUnauthorized    = errors.New("unauthorized operator request")
	ErrNoOperators     = errors.New("no operators configured, operator endpoints are disabled")
	ErrRequestExpired  = errors.New("operator request expired")
	ErrRequestReplayed = errors.New("operator request already used")
)

// OperatorAuth authorizes the requests of the operator endpoints. A request must be signed by a
// configured operator, be at most maxAge old and not have been used before.
type OperatorAuth struct {
	operators map[common.Address]struct{}
	maxAge    time.Duration
	now       func() time.Time

	mu   gosync.Mutex
	seen map[common.Hash]int64
}

func NewOperatorAuth(operators []common.Address, maxAge time.Duration) *OperatorAuth {
	if maxAge <= 0 {
		maxAge = defaultMaxRequestAge
	}
	set := make(map[common.Address]struct{}, len(operators))
	for _, op := range operators {
		set[op] = struct{}{}
	}
	return &OperatorAuth{
		operators: set,
		maxAge:    maxAge,
		now:       time.Now,
		seen:      make(map[common.Hash]int64),
	}
}

// Authorize checks req was signed for action by an operator
func (a *OperatorAuth) Authorize(req types.OperatorRequest, action string) error {
	if a == nil || len(a.operators) == 0 {
		return ErrNoOperators
	}
	if req.Action != action {
		return fmt.Errorf("%w: request signed for %q, not %q", ErrUnauthorized, req.Action, action)
	}
	if err := req.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if _, ok := a.operators[req.Operator]; !ok {
		return fmt.Errorf("%w: %s is not an operator", ErrUnauthorized, req.Operator.Hex())
	}
	now := a.now()
	age := now.Sub(time.Unix(req.Timestamp, 0))
	if age > a.maxAge || age < -a.maxAge {
		return fmt.Errorf("%w: signed at %d, now %d", ErrRequestExpired, req.Timestamp, now.Unix())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	oldest := now.Add(-a.maxAge).Unix()
	for digest, ts := range a.seen {
		if ts < oldest {
			delete(a.seen, digest)
		}
	}
	digest := req.Digest()
	if _, ok := a.seen[digest]; ok {
		return ErrRequestReplayed
	}
	a.seen[digest] = req.Timestamp
	return nil
}
