package card

import (
	"strings"

	"github.com/google/uuid"
)

// CardID identifies a card. The zero value is not a valid identifier.
type CardID struct {
	value uuid.UUID
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value uuid.UUID
}

// NewCardID returns a fresh random card identifier.
func NewCardID() CardID {
	return CardID{value: uuid.New()}
}

// CardIDFromUUID wraps an already parsed UUID.
func CardIDFromUUID(v uuid.UUID) CardID {
	return CardID{value: v}
}

// ParseCardID accepts the canonical hyphenated form as well as the 32 character
// hex form without hyphens. Input is trimmed and matched case-insensitively.
func ParseCardID(s string) (CardID, error) {
	v, err := parseUUID("card", s)
	if err != nil {
		return CardID{}, err
	}
	return CardID{value: v}, nil
}

// UUID returns the underlying value.
func (id CardID) UUID() uuid.UUID { return id.value }

func (id CardID) String() string { return id.value.String() }

// NewTransactionID returns a fresh random transaction identifier.
func NewTransactionID() TransactionID {
	return TransactionID{value: uuid.New()}
}

// TransactionIDFromUUID wraps an already parsed UUID.
func TransactionIDFromUUID(v uuid.UUID) TransactionID {
	return TransactionID{value: v}
}

// ParseTransactionID parses with the same rules as ParseCardID.
func ParseTransactionID(s string) (TransactionID, error) {
	v, err := parseUUID("transaction", s)
	if err != nil {
		return TransactionID{}, err
	}
	return TransactionID{value: v}, nil
}

// UUID returns the underlying value.
func (id TransactionID) UUID() uuid.UUID { return id.value }

func (id TransactionID) String() string { return id.value.String() }

func parseUUID(kind, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, &InvalidIDError{Kind: kind, Value: raw}
	}

	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) == 32 && !strings.Contains(normalized, "-") {
		normalized = normalized[0:8] + "-" + normalized[8:12] + "-" + normalized[12:16] + "-" + normalized[16:20] + "-" + normalized[20:]
	}

	// uuid.Parse also accepts urn and braced forms; only the canonical layout is allowed here.
	if len(normalized) != 36 {
		return uuid.Nil, &InvalidIDError{Kind: kind, Value: raw}
	}
	v, err := uuid.Parse(normalized)
	if err != nil {
		return uuid.Nil, &InvalidIDError{Kind: kind, Value: raw, Err: err}
	}
	return v, nil
}
