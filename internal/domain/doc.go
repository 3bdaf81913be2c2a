// Package domain holds the entities shared by the negotiation, transaction,
// escrow and dispute services, together with the error taxonomy they return.
//
// Money is always an int64 count of minor currency units (cents).
package domain
