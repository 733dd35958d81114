package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilldesk/possync/internal/schema"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"server_wins", StrategyServerWins, false},
		{"client_wins", StrategyClientWins, false},
		{"merge", StrategyMerge, false},
		{"manual", StrategyManual, false},
		{"", DefaultStrategy, false},
		{"newest_wins", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveServerWins(t *testing.T) {
	r := NewResolver(schema.Default(), StrategyServerWins)

	res := &ConflictResult{
		HasConflict: true,
		Conflicts:   []FieldConflict{{Field: "price", ServerValue: 12.0, ClientValue: 10.0}},
	}
	out := r.Resolve("products", Payload{"price": 12.0}, Payload{"price": 10.0}, res)

	assert.False(t, out.Apply, "server wins performs no write")
	assert.False(t, out.Manual)
	assert.Contains(t, out.Note, "server wins")
}

func TestResolveClientWins(t *testing.T) {
	r := NewResolver(schema.Default(), StrategyClientWins)

	incoming := Payload{"price": 10.0, "name": "espresso"}
	res := &ConflictResult{
		HasConflict: true,
		Conflicts:   []FieldConflict{{Field: "price", ServerValue: 12.0, ClientValue: 10.0}},
	}
	out := r.Resolve("products", Payload{"price": 12.0}, incoming, res)

	require.True(t, out.Apply)
	assert.Equal(t, incoming, out.Data, "client wins applies the payload verbatim")
}

func TestResolveManual(t *testing.T) {
	r := NewResolver(schema.Default(), StrategyManual)

	res := &ConflictResult{
		HasConflict: true,
		Conflicts:   []FieldConflict{{Field: "price", ServerValue: 12.0, ClientValue: 10.0}},
	}
	out := r.Resolve("products", Payload{"price": 12.0}, Payload{"price": 10.0}, res)

	assert.True(t, out.Manual)
	assert.False(t, out.Apply)
	assert.Contains(t, out.Note, "manual resolution required")
}

// TestMergeFieldRules pins the kind-specific merge table. Given fixed
// server/client values and a field kind, the merged value is deterministic.
func TestMergeFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		field  schema.Field
		server any
		client any
		want   any
	}{
		{"quantity kind takes client", schema.Field{Name: "quantity", Kind: schema.KindQuantity}, 5.0, 8.0, 8.0},
		{"allow-listed amount takes client", schema.Field{Name: "amount", Kind: schema.KindMoney}, 20.0, 35.0, 35.0},
		{"price takes server", schema.Field{Name: "price", Kind: schema.KindMoney}, 12.0, 10.0, 12.0},
		{"plain number takes server", schema.Field{Name: "loyalty_points", Kind: schema.KindNumber}, 100.0, 90.0, 100.0},
		{"text both set concatenates", schema.Field{Name: "note", Kind: schema.KindText}, "cash only", "call first", "cash only | call first"},
		{"text server empty takes client", schema.Field{Name: "note", Kind: schema.KindText}, "", "call first", "call first"},
		{"text client empty takes server", schema.Field{Name: "note", Kind: schema.KindLongText}, "cash only", "", "cash only"},
		{"text nil server takes client", schema.Field{Name: "note", Kind: schema.KindText}, nil, "call first", "call first"},
		{"bool takes client", schema.Field{Name: "active", Kind: schema.KindBool}, true, false, false},
		{"datetime later server wins", schema.Field{Name: "placed_at", Kind: schema.KindDateTime}, "2026-03-02T10:00:00Z", "2026-03-01T10:00:00Z", "2026-03-02T10:00:00Z"},
		{"datetime later client wins", schema.Field{Name: "placed_at", Kind: schema.KindDateTime}, "2026-03-01T10:00:00Z", "2026-03-02T10:00:00Z", "2026-03-02T10:00:00Z"},
		{"datetime unparseable takes client", schema.Field{Name: "placed_at", Kind: schema.KindDateTime}, "last tuesday", "2026-03-02T10:00:00Z", "2026-03-02T10:00:00Z"},
		{"enum takes client", schema.Field{Name: "status", Kind: schema.KindEnum}, "open", "paid", "paid"},
		{"relation takes client", schema.Field{Name: "customer", Kind: schema.KindRelation}, "c-1", "c-2", "c-2"},
		{"undeclared kind takes client", schema.Field{Name: "mystery"}, "a", "b", "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeField(tt.field, tt.server, tt.client))
		})
	}
}

func TestMergePayload(t *testing.T) {
	r := NewResolver(schema.Default(), StrategyMerge)

	incoming := Payload{
		"name":     "espresso lungo", // non-conflicting, passes through
		"price":    10.0,
		"quantity": 8.0,
	}
	conflicts := []FieldConflict{
		{Field: "price", ServerValue: 12.0, ClientValue: 10.0},
		{Field: "quantity", ServerValue: 5.0, ClientValue: 8.0},
	}

	merged := r.MergePayload("products", incoming, conflicts)

	assert.Equal(t, "espresso lungo", merged["name"])
	assert.Equal(t, 12.0, merged["price"], "price is not quantity/amount-like, server wins")
	assert.Equal(t, 8.0, merged["quantity"], "quantity reflects the latest sale, client wins")
}

func TestResolveMergeOutcome(t *testing.T) {
	r := NewResolver(schema.Default(), "")
	require.Equal(t, StrategyMerge, r.Strategy(), "merge is the default strategy")

	res := &ConflictResult{
		HasConflict: true,
		Conflicts:   []FieldConflict{{Field: "price", ServerValue: 12.0, ClientValue: 10.0}},
	}
	out := r.Resolve("products", Payload{"price": 12.0}, Payload{"price": 10.0}, res)

	require.True(t, out.Apply)
	assert.Equal(t, 12.0, out.Data["price"])
	assert.Contains(t, out.Note, "merged 1 conflicting field(s)")
}
