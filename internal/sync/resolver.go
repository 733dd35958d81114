package sync

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tilldesk/possync/internal/schema"
)

// Strategy selects how detected conflicts are settled. It is a per-deployment
// configuration value.
type Strategy string

const (
	// StrategyServerWins discards the incoming payload entirely.
	StrategyServerWins Strategy = "server_wins"
	// StrategyClientWins applies the incoming payload verbatim, conflicting
	// fields included.
	StrategyClientWins Strategy = "client_wins"
	// StrategyMerge applies non-conflicting fields unchanged and settles
	// each conflicting field by its kind-specific merge rule.
	StrategyMerge Strategy = "merge"
	// StrategyManual writes nothing and parks the conflict for human review.
	StrategyManual Strategy = "manual"
)

// DefaultStrategy is used when no strategy is configured.
const DefaultStrategy = StrategyMerge

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManual:
		return Strategy(s), nil
	case "":
		return DefaultStrategy, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// clientWinsNumericFields names the quantity/amount-like numeric fields where
// the terminal's value reflects the latest transaction and therefore beats
// the server's. All other numeric and monetary fields are assumed more
// authoritative on the server.
var clientWinsNumericFields = map[string]bool{
	"quantity": true,
	"amount":   true,
}

// ResolutionOutcome tells the batch processor what a resolution decided.
type ResolutionOutcome struct {
	// Apply is true when Data must be written to the entity.
	Apply bool
	// Data is the payload to write when Apply is set.
	Data Payload
	// Manual is true when the conflict must be parked for human review.
	Manual bool
	// Note is a human-readable summary of the decision.
	Note string
}

// Resolver settles detected conflicts under a configured strategy. It makes
// pure decisions; persisting them is the processor's job.
type Resolver struct {
	registry *schema.Registry
	strategy Strategy
}

// NewResolver creates a Resolver. An empty strategy falls back to merge.
func NewResolver(registry *schema.Registry, strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	return &Resolver{registry: registry, strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve decides the outcome for a detected conflict between the current
// entity state and an incoming payload.
func (r *Resolver) Resolve(entityType string, current, incoming Payload, res *ConflictResult) ResolutionOutcome {
	fields := len(res.Conflicts)

	var outcome ResolutionOutcome
	switch r.strategy {
	case StrategyServerWins:
		outcome = ResolutionOutcome{
			Note: fmt.Sprintf("server wins: discarded %d conflicting field(s)", fields),
		}
	case StrategyClientWins:
		outcome = ResolutionOutcome{
			Apply: true,
			Data:  incoming,
			Note:  fmt.Sprintf("client wins: applied payload over %d conflicting field(s)", fields),
		}
	case StrategyManual:
		outcome = ResolutionOutcome{
			Manual: true,
			Note:   fmt.Sprintf("manual resolution required: %d field conflict(s)", fields),
		}
	default: // StrategyMerge
		outcome = ResolutionOutcome{
			Apply: true,
			Data:  r.MergePayload(entityType, incoming, res.Conflicts),
			Note:  fmt.Sprintf("merged %d conflicting field(s)", fields),
		}
	}

	logrus.WithFields(logrus.Fields{
		"entity_type": entityType,
		"strategy":    r.strategy,
		"fields":      fields,
	}).Debug("Resolved conflict")
	return outcome
}

// MergePayload applies the field-kind merge rules: non-conflicting incoming
// fields pass through unchanged, each conflicting field is settled by
// mergeField. The result is the single update to write back.
func (r *Resolver) MergePayload(entityType string, incoming Payload, conflicts []FieldConflict) Payload {
	merged := make(Payload, len(incoming))
	for name, value := range incoming {
		merged[name] = value
	}
	for _, c := range conflicts {
		field := schema.Field{Name: c.Field}
		if et, ok := r.registry.Lookup(entityType); ok {
			if declared, ok := et.Field(c.Field); ok {
				field = declared
			}
		}
		merged[c.Field] = mergeField(field, c.ServerValue, c.ClientValue)
	}
	return merged
}

// mergeField settles one conflicting field:
//
//	quantity kind, allow-listed numeric names  -> client (latest transaction)
//	other number/money                         -> server (more authoritative)
//	text kinds, both non-empty and different   -> "<server> | <client>"
//	text kinds otherwise                       -> whichever is non-empty
//	bool                                       -> client
//	date/datetime                              -> chronologically later
//	enum, relation, anything else              -> client
func mergeField(f schema.Field, server, client any) any {
	switch f.Kind {
	case schema.KindQuantity:
		return client
	case schema.KindNumber, schema.KindMoney:
		if clientWinsNumericFields[f.Name] {
			return client
		}
		return server
	case schema.KindText, schema.KindLongText:
		s, c := stringOf(server), stringOf(client)
		switch {
		case s == "":
			return client
		case c == "":
			return server
		case s == c:
			return client
		default:
			return s + " | " + c
		}
	case schema.KindBool:
		return client
	case schema.KindDate, schema.KindDateTime:
		st, sok := parseInstant(server)
		ct, cok := parseInstant(client)
		if !sok || !cok {
			return client
		}
		if st.After(ct) {
			return server
		}
		return client
	default:
		// enum, relation and undeclared fields: the operator's latest
		// choice stands.
		return client
	}
}
